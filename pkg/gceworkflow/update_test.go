package gceworkflow

import (
	"context"
	"testing"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addEncryptedGuest seeds an encrypted image and its guest snapshot.
func (f *fixture) addEncryptedGuest(name string) {
	f.cloud.AddImage(name, 2, nil)
	f.cloud.Snapshots[name] = &gce.Snapshot{Name: name, Status: gce.StatusReady, DiskSizeGB: 21}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.addEncryptedGuest("centos-7-encrypted-1a2b3c4d")
	w := NewUpdate(f.cloud, "centos-7-encrypted-1a2b3c4d", "brkt-avatar-2026-10", f.opts)

	name, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "centos-7-encrypted-"+w.Session().ID, name)
	assert.Equal(t, []string{"image/" + name, "snapshot/" + name}, f.cloud.Live(w.Labels()))

	// the encrypted guest is carried over from the source snapshot
	assert.Equal(t, int64(21), f.cloud.Snapshots[name].DiskSizeGB)
	assert.Contains(t, f.cloud.Snapshots, "centos-7-encrypted-1a2b3c4d")

	brkt := f.brkt(t, w.updaterName)
	assert.Equal(t, "updater", brkt["solo_mode"])
	require.Len(t, f.agents, 1)
}

func TestUpdate_RejectsUnencryptedGuest(t *testing.T) {
	f := newFixture(t)
	w := NewUpdate(f.cloud, "centos-7", "brkt-avatar-2026-10", f.opts)

	_, err := w.Run(context.Background())
	assert.True(t, errors.IsValidation(err), "got %v", err)
	assert.Zero(t, f.cloud.CallCount("CreateDisk"))
}

func TestUpdate_FailureCleansUp(t *testing.T) {
	f := newFixture(t)
	f.addEncryptedGuest("centos-7-encrypted-1a2b3c4d")
	f.agent.encryptionErr = errors.EncryptionFailed("update_failed")
	w := NewUpdate(f.cloud, "centos-7-encrypted-1a2b3c4d", "brkt-avatar-2026-10", f.opts)

	_, err := w.Run(context.Background())
	var encErr *errors.EncryptionError
	require.True(t, errors.As(err, &encErr), "got %v", err)
	assert.Equal(t, "update_failed", encErr.FailureCode)

	// the snapshot copy made for the new image is removed with the rest
	assert.Empty(t, f.cloud.Live(w.Labels()))
	assert.Contains(t, f.cloud.Snapshots, "centos-7-encrypted-1a2b3c4d")
}

func TestUpdate_CreateImageFailure(t *testing.T) {
	f := newFixture(t)
	f.addEncryptedGuest("centos-7-encrypted-1a2b3c4d")
	f.cloud.Fail("CreateImageFromDisk", errors.New("quota exceeded"))
	w := NewUpdate(f.cloud, "centos-7-encrypted-1a2b3c4d", "brkt-avatar-2026-10", f.opts)

	_, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create image")
	assert.Empty(t, f.cloud.Live(w.Labels()))
}
