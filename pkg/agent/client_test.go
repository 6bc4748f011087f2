package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedAgent serves one response per request, repeating the last one.
// A nil entry answers with a 500.
type scriptedAgent struct {
	mu        sync.Mutex
	responses []map[string]any
	requests  int
}

func (a *scriptedAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	idx := a.requests
	if idx >= len(a.responses) {
		idx = len(a.responses) - 1
	}
	a.requests++
	body := a.responses[idx]
	a.mu.Unlock()

	if body == nil {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (a *scriptedAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

func newTestClient(t *testing.T, h http.Handler, clk *testingclock.FakeClock, extraHosts ...string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	hosts := append(extraHosts, host)
	return New(hosts,
		WithPort(port),
		WithClock(clk),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestStatus_Parsing(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]any
		want    Status
		wantErr bool
	}{
		{
			name: "percent complete",
			body: map[string]any{"state": "encrypting", "percent_complete": 42},
			want: Status{State: StateInProgress, PercentComplete: 42},
		},
		{
			name: "byte counters",
			body: map[string]any{"state": "downloading", "bytes_written": 250, "bytes_total": 1000},
			want: Status{State: StateInProgress, PercentComplete: 25},
		},
		{
			name: "initial",
			body: map[string]any{"state": "initial"},
			want: Status{State: StateNotStarted},
		},
		{
			name: "finished",
			body: map[string]any{"state": "finished"},
			want: Status{State: StateSucceeded, PercentComplete: 100},
		},
		{
			name: "failed with code",
			body: map[string]any{"state": "failed", "failure_code": "unsupported_guest"},
			want: Status{State: StateFailed, FailureCode: FailureCodeUnsupportedGuest},
		},
		{
			name:    "unknown state",
			body:    map[string]any{"state": "sleeping"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &scriptedAgent{responses: []map[string]any{tt.body}}
			c := newTestClient(t, agent, testingclock.NewFakeClock(epoch))

			got, err := c.Status(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestStatus_PinsFirstAnsweringHost(t *testing.T) {
	agent := &scriptedAgent{responses: []map[string]any{{"state": "initial"}}}
	// 192.0.2.0/24 is unroutable; the request fails before the 2s timeout
	// or hits it, either way the second host answers.
	c := newTestClient(t, agent, testingclock.NewFakeClock(epoch), "192.0.2.1")
	c.httpClient.Timeout = 200 * time.Millisecond

	_, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Hosts(), 1)
	assert.NotEqual(t, "192.0.2.1", c.Hosts()[0])
}

func TestStatus_ConnectionErrorListsHosts(t *testing.T) {
	agent := &scriptedAgent{responses: []map[string]any{nil}}
	c := newTestClient(t, agent, testingclock.NewFakeClock(epoch))

	_, err := c.Status(context.Background())
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Len(t, connErr.ByHost, 1)
	assert.Contains(t, err.Error(), "500")
}

func TestWaitUntilUp(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{nil, nil, {"state": "initial"}}}
	c := newTestClient(t, agent, clk)

	require.NoError(t, c.WaitUntilUp(context.Background(), 10*time.Minute))
	assert.Equal(t, 3, agent.count())
	assert.Equal(t, epoch.Add(10*time.Second), clk.Now())
}

func TestWaitUntilUp_Timeout(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{nil}}
	c := newTestClient(t, agent, clk)

	err := c.WaitUntilUp(context.Background(), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}

func TestWaitForEncryption_Succeeds(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{
		{"state": "initial"},
		{"state": "downloading", "percent_complete": 10},
		{"state": "encrypting", "percent_complete": 60},
		{"state": "finished"},
	}}
	c := newTestClient(t, agent, clk)

	require.NoError(t, c.WaitForEncryption(context.Background(), 10*time.Minute))
	assert.Equal(t, 4, agent.count())
}

func TestWaitForEncryption_ProgressResetsDeadline(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	var responses []map[string]any
	// 1% every 400s keeps the run alive with a 600s progress timeout even
	// though the total runtime is far longer.
	for pct := 1; pct <= 20; pct++ {
		for i := 0; i < 40; i++ {
			responses = append(responses, map[string]any{"state": "encrypting", "percent_complete": pct})
		}
	}
	responses = append(responses, map[string]any{"state": "finished"})
	agent := &scriptedAgent{responses: responses}
	c := newTestClient(t, agent, clk)

	require.NoError(t, c.WaitForEncryption(context.Background(), 10*time.Minute))
	assert.True(t, clk.Since(epoch) > 10*time.Minute)
}

func TestWaitForEncryption_Stalled(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{
		{"state": "encrypting", "percent_complete": 5},
	}}
	c := newTestClient(t, agent, clk)

	err := c.WaitForEncryption(context.Background(), time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEncryptionStalled)

	var encErr *errors.EncryptionError
	require.True(t, errors.As(err, &encErr))
	assert.False(t, clk.Now().Before(epoch.Add(time.Minute)))
	assert.True(t, clk.Now().Before(epoch.Add(2*time.Minute)), "stall detected within one poll of the window")
}

func TestWaitForEncryption_UnsupportedGuest(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{
		{"state": "encrypting", "percent_complete": 5},
		{"state": "failed", "failure_code": "unsupported_guest"},
	}}
	c := newTestClient(t, agent, clk)

	err := c.WaitForEncryption(context.Background(), 10*time.Minute)

	var unsupported *errors.UnsupportedGuestError
	require.True(t, errors.As(err, &unsupported))
	var encErr *errors.EncryptionError
	require.True(t, errors.As(err, &encErr), "unsupported guest is a kind of encryption failure")
	assert.Equal(t, FailureCodeUnsupportedGuest, encErr.FailureCode)
}

func TestWaitForEncryption_FailedWithCode(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{
		{"state": "failed", "failure_code": FailureCodeAWSPermissions},
	}}
	c := newTestClient(t, agent, clk)

	err := c.WaitForEncryption(context.Background(), 10*time.Minute)

	var encErr *errors.EncryptionError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, FailureCodeAWSPermissions, encErr.FailureCode)
	var unsupported *errors.UnsupportedGuestError
	assert.False(t, errors.As(err, &unsupported))
}

func TestWaitForEncryption_ToleratesTransientErrors(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	responses := []map[string]any{}
	for i := 0; i < maxErrors-1; i++ {
		responses = append(responses, nil)
	}
	responses = append(responses, map[string]any{"state": "finished"})
	agent := &scriptedAgent{responses: responses}
	c := newTestClient(t, agent, clk)

	require.NoError(t, c.WaitForEncryption(context.Background(), 10*time.Minute))
}

func TestWaitForEncryption_AgentGone(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	agent := &scriptedAgent{responses: []map[string]any{nil}}
	c := newTestClient(t, agent, clk)

	err := c.WaitForEncryption(context.Background(), 10*time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAgentUnavailable)
	assert.Equal(t, maxErrors, agent.count())
}
