package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fly-io/brkt/internal/config"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Region:                "us-west-2",
		StatusPort:            8001,
		InstanceType:          "m4.large",
		EncryptorInstanceType: "c4.xlarge",
		ProgressTimeout:       time.Minute,
		AgentUpTimeout:        2 * time.Minute,
		InstanceTimeout:       3 * time.Minute,
		SnapshotTimeout:       time.Hour,
		ImageTimeout:          15 * time.Minute,
		CleanupTimeout:        10 * time.Minute,
		GCEZone:               "us-central1-a",
	}
}

func TestAWSOptions(t *testing.T) {
	f := &agentFlags{
		imageName:  "centos-encrypted",
		ntpServers: []string{"0.pool.ntp.org"},
		brktEnv:    "api.example.com:443,hsmproxy.example.com:443",
	}

	opts, err := awsOptions(testConfig(), f)
	require.NoError(t, err)
	assert.Equal(t, "centos-encrypted", opts.ImageName)
	assert.Equal(t, 8001, opts.StatusPort)
	assert.Equal(t, "c4.xlarge", opts.EncryptorInstanceType)
	assert.Equal(t, time.Minute, opts.ProgressTimeout)
	assert.Equal(t, 10*time.Minute, opts.CleanupTimeout)
	require.NotNil(t, opts.Environment)
	assert.Equal(t, "api.example.com:443", opts.Environment.API.String())
	assert.Equal(t, "hsmproxy.example.com", opts.Environment.HSMProxy.Host)
}

func TestGCEOptions(t *testing.T) {
	opts, err := gceOptions(testConfig(), &agentFlags{})
	require.NoError(t, err)
	assert.Equal(t, "us-central1-a", opts.Zone)
	assert.Nil(t, opts.Environment)
	assert.Equal(t, 10*time.Minute, opts.CleanupTimeout)
}

func TestOptions_BadEnvironment(t *testing.T) {
	_, err := awsOptions(testConfig(), &agentFlags{brktEnv: "api.example.com"})
	assert.True(t, errors.IsValidation(err))
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state", "sessions.db")
	fsmDir := filepath.Join(dir, "state", "fsm")

	require.NoError(t, ensureDirectories(db, fsmDir))
	assert.DirExists(t, filepath.Dir(db))
	assert.DirExists(t, fsmDir)
}
