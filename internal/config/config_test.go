package config

import (
	"testing"
	"time"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.StatusPort)
	assert.Equal(t, "m4.large", cfg.InstanceType)
	assert.Equal(t, "c4.xlarge", cfg.EncryptorInstanceType)
	assert.Equal(t, 10*time.Minute, cfg.ProgressTimeout)
	assert.Equal(t, time.Hour, cfg.SnapshotTimeout)
	assert.Equal(t, "solo-brkt-prod-net", cfg.AMIsBucket)
}

func TestLoad_Environment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BRKT_STATUS_PORT", "8001")
	t.Setenv("BRKT_PROGRESS_TIMEOUT", "90s")
	t.Setenv("BRKT_GCE_PROJECT", "brkt-dev")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.StatusPort)
	assert.Equal(t, 90*time.Second, cfg.ProgressTimeout)
	assert.Equal(t, "brkt-dev", cfg.GCEProject)
	assert.NoError(t, cfg.ValidateGCE())
}

func TestValidate(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.StatusPort = 0
	assert.True(t, errors.IsValidation(bad.Validate()))

	bad = *cfg
	bad.SnapshotTimeout = -time.Second
	assert.ErrorContains(t, bad.Validate(), "snapshot-timeout must be positive")

	bad = *cfg
	bad.GCEProject = ""
	assert.ErrorContains(t, bad.ValidateGCE(), "gce-project")
}
