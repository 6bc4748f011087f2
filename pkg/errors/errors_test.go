package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}

func TestWrap_PreservesTypes(t *testing.T) {
	err := Wrap(NewSnapshotError("snap-1", "snap-3"), "wait_for_snapshots")

	var snapErr *SnapshotError
	require.True(t, As(err, &snapErr))
	assert.Equal(t, []string{"snap-1", "snap-3"}, snapErr.SnapshotIDs)
	assert.Contains(t, err.Error(), "wait_for_snapshots: snapshots in error state: snap-1, snap-3")
}

func TestUnsupportedGuest_IsEncryptionError(t *testing.T) {
	err := Wrap(UnsupportedGuest("unsupported_guest"), "wait_for_encryption")

	var unsupported *UnsupportedGuestError
	assert.True(t, As(err, &unsupported))

	var enc *EncryptionError
	require.True(t, As(err, &enc))
	assert.Equal(t, "unsupported_guest", enc.FailureCode)
}

func TestEncryptionFailed_IsNotUnsupported(t *testing.T) {
	err := EncryptionFailed("insufficient_aws_permissions")

	var unsupported *UnsupportedGuestError
	assert.False(t, As(err, &unsupported))

	var enc *EncryptionError
	require.True(t, As(err, &enc))
	assert.Equal(t, "encryption failed: insufficient_aws_permissions", enc.Error())
}

func TestEncryptionError_ConsoleOutput(t *testing.T) {
	err := EncryptionFailed("")

	var enc *EncryptionError
	require.True(t, As(err, &enc))
	enc.ConsoleOutputFile = "/tmp/i-123-console.log"

	assert.Equal(t, "encryption failed (console output saved to /tmp/i-123-console.log)", err.Error())
}

func TestEncryptionf_WrapsSentinel(t *testing.T) {
	err := Encryptionf(ErrEncryptionStalled, "no progress for %s", "10m0s")
	assert.True(t, Is(err, ErrEncryptionStalled))
	assert.False(t, Is(err, ErrAgentUnavailable))
}

func TestStackTraceInVerboseFormat(t *testing.T) {
	err := Wrap(Validationf("image %s not found", "ami-1"), "preflight")
	assert.True(t, IsValidation(err))

	verbose := fmt.Sprintf("%+v", err)
	assert.Contains(t, verbose, "image ami-1 not found")
	assert.Contains(t, verbose, "errors_test.go")
}
