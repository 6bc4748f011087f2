package aws

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiErr(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

var noWait = Retrier{BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} }}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"instance", apiErr("InvalidInstanceID.NotFound", ""), true},
		{"wrapped snapshot", errors.Wrap(apiErr("InvalidSnapshot.NotFound", ""), "describe"), true},
		{"in use", apiErr("VolumeInUse", ""), false},
		{"plain", errors.New("NotFound"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotFound(tt.err))
		})
	}
}

func TestRecoverImageID(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wantID string
		wantOK bool
	}{
		{
			name:   "short id",
			err:    apiErr("InvalidAMIID.NotFound", "The image id '[ami-1234abcd]' does not exist"),
			wantID: "ami-1234abcd",
			wantOK: true,
		},
		{
			name:   "long id through wrap",
			err:    errors.Wrap(apiErr("InvalidAMIID.NotFound", "The image id '[ami-0123456789abcdef0]' does not exist"), "register"),
			wantID: "ami-0123456789abcdef0",
			wantOK: true,
		},
		{
			name: "no id in message",
			err:  apiErr("InvalidAMIID.NotFound", "The image does not exist"),
		},
		{
			name: "other code",
			err:  apiErr("InvalidAMIName.Duplicate", "ami-1234abcd already uses this name"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := RecoverImageID(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestRetrier_RetriesMatchingCode(t *testing.T) {
	calls := 0
	err := noWait.Do(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return apiErr("InvalidGroup.NotFound", "not yet")
		}
		return nil
	}, RetryGroupNotFound)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_OtherCodeIsPermanent(t *testing.T) {
	calls := 0
	err := noWait.Do(context.Background(), 5, func() error {
		calls++
		return apiErr("UnauthorizedOperation", "no")
	}, RetryGroupNotFound)

	require.Error(t, err)
	assert.Equal(t, "UnauthorizedOperation", ErrorCode(err))
	assert.Equal(t, 1, calls)
}

func TestRetrier_GivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := noWait.Do(context.Background(), 2, func() error {
		calls++
		return apiErr("VolumeInUse", "busy")
	}, RetryVolumeInUse)

	require.Error(t, err)
	assert.Equal(t, "VolumeInUse", ErrorCode(err))
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}

func TestRetrier_LogsToOwnLogger(t *testing.T) {
	var buf bytes.Buffer
	r := noWait
	r.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	calls := 0
	err := r.Do(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return apiErr("RequestLimitExceeded", "slow down")
		}
		return nil
	}, RetryRequestLimit)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "provider_call_retry")
	assert.Contains(t, buf.String(), "code=RequestLimitExceeded")
}
