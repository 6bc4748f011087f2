package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func session(id, status string) *Session {
	return &Session{
		SessionID:      id,
		Provider:       ProviderAWS,
		Workflow:       WorkflowEncrypt,
		Location:       "us-west-2",
		GuestImage:     "ami-guest",
		EncryptorImage: "ami-avatar",
		Status:         status,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	s := session("1a2b3c4d", StatusPending)
	require.NoError(t, repo.Create(ctx, s))
	assert.NotZero(t, s.ID)

	got, err := repo.Get(ctx, "1a2b3c4d")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ami-guest", got.GuestImage)
	assert.Equal(t, StatusPending, got.Status)
	assert.NotEmpty(t, got.CreatedAt)
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newRepo(t)
	got, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_DuplicateSession(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, session("1a2b3c4d", StatusPending)))
	assert.Error(t, repo.Create(ctx, session("1a2b3c4d", StatusPending)))
}

func TestRepository_Lifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, session("1a2b3c4d", StatusPending)))

	require.NoError(t, repo.SetImageName(ctx, "1a2b3c4d", "centos (encrypted 1a2b3c4d)"))
	require.NoError(t, repo.UpdateStatus(ctx, "1a2b3c4d", StatusRunning, ""))
	require.NoError(t, repo.Complete(ctx, "1a2b3c4d", "ami-result"))

	got, err := repo.Get(ctx, "1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, "ami-result", got.ImageID)
	assert.Equal(t, "centos (encrypted 1a2b3c4d)", got.ImageName)
}

func TestRepository_UpdateMissing(t *testing.T) {
	repo := newRepo(t)
	err := repo.UpdateStatus(context.Background(), "nope", StatusFailed, "boom")
	assert.ErrorContains(t, err, "session not found")
}

func TestRepository_RejectsUnknownStatus(t *testing.T) {
	repo := newRepo(t)
	assert.Error(t, repo.Create(context.Background(), session("1a2b3c4d", "bogus")))
}

func TestRepository_List(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, session("aaaa0001", StatusComplete)))
	require.NoError(t, repo.Create(ctx, session("aaaa0002", StatusFailed)))
	require.NoError(t, repo.Create(ctx, session("aaaa0003", StatusFailed)))

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "aaaa0003", all[0].SessionID)

	failed, err := repo.List(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	require.NoError(t, repo.Delete(ctx, "aaaa0002"))
	failed, err = repo.List(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}
