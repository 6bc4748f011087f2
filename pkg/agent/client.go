package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/wait"
	"k8s.io/utils/clock"
)

const (
	upInterval     = 5 * time.Second
	statusInterval = 10 * time.Second
	logInterval    = 60 * time.Second
	maxErrors      = 10
	requestTimeout = 2 * time.Second
)

// Client polls the agent status endpoint on a helper instance. Candidate
// hosts are tried in order; the first host that answers is pinned.
type Client struct {
	hosts      []string
	port       int
	httpClient *http.Client
	clock      clock.Clock
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPort overrides the status port.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock injects the clock used for sleeping and deadlines.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client for the given candidate hosts, typically the public
// and private address of the helper instance. Empty hosts are skipped.
func New(hosts []string, opts ...Option) *Client {
	c := &Client{
		port:       DefaultPort,
		httpClient: &http.Client{Timeout: requestTimeout},
		clock:      clock.RealClock{},
		log:        slog.Default(),
	}
	for _, h := range hosts {
		if h != "" {
			c.hosts = append(c.hosts, h)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hosts returns the candidate hosts still in use.
func (c *Client) Hosts() []string { return c.hosts }

// Port returns the status port.
func (c *Client) Port() int { return c.port }

// ConnectionError reports that no candidate host answered.
type ConnectionError struct {
	Port   int
	ByHost map[string]error
	hosts  []string
}

func (e *ConnectionError) Error() string {
	parts := make([]string, 0, len(e.hosts))
	for _, h := range e.hosts {
		parts = append(parts, fmt.Sprintf("at %s: %v", h, e.ByHost[h]))
	}
	return fmt.Sprintf("unable to connect to the encryptor instance on port %d %s", e.Port, strings.Join(parts, ", "))
}

// IsUp reports whether any candidate host serves a status.
func (c *Client) IsUp(ctx context.Context) bool {
	if _, err := c.Status(ctx); err != nil {
		c.log.Debug("agent_status_unavailable", "error", err)
		return false
	}
	c.log.Debug("agent_status_available", "hosts", c.hosts)
	return true
}

// Status fetches the current encryption status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	if len(c.hosts) == 0 {
		return nil, errors.New("no agent hosts to query")
	}

	connErr := &ConnectionError{Port: c.port, ByHost: map[string]error{}}
	for _, host := range c.hosts {
		status, err := c.fetch(ctx, host)
		if err != nil {
			c.log.Debug("agent_status_request_failed", "host", host, "port", c.port, "error", err)
			connErr.ByHost[host] = err
			connErr.hosts = append(connErr.hosts, host)
			continue
		}
		c.hosts = []string{host}
		return status, nil
	}
	return nil, connErr
}

func (c *Client) fetch(ctx context.Context, host string) (*Status, error) {
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(c.port))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return sr.toStatus()
}

// WaitUntilUp polls IsUp every 5 seconds until the agent answers.
func (c *Client) WaitUntilUp(ctx context.Context, timeout time.Duration) error {
	start := c.clock.Now()
	err := wait.Until(ctx, c.clock, "encryption service", timeout, upInterval, func(ctx context.Context) (bool, error) {
		return c.IsUp(ctx), nil
	})
	if err != nil {
		return errors.Wrapf(err, "unable to contact %s", strings.Join(c.hosts, ", "))
	}
	c.log.Debug("agent_up", "elapsed", c.clock.Since(start).Round(time.Second))
	return nil
}

// WaitForEncryption polls the status every 10 seconds until the agent
// reports success or failure. The progress deadline moves forward each
// time percent_complete increases, so only stalled time is bounded.
// Ten consecutive failed polls mean the agent is gone.
func (c *Client) WaitForEncryption(ctx context.Context, progressTimeout time.Duration) error {
	errCount := 0
	lastProgress := 0
	now := c.clock.Now()
	progressDeadline := now.Add(progressTimeout)
	lastLog := now

	for errCount < maxErrors {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "waiting for encryption")
		}

		status, err := c.Status(ctx)
		if err != nil {
			errCount++
			c.log.Warn("encryption_status_failed", "error", err, "consecutive_errors", errCount)
			c.clock.Sleep(statusInterval)
			continue
		}
		errCount = 0
		now = c.clock.Now()
		c.log.Debug("encryption_status", "state", status.State, "percent_complete", status.PercentComplete)

		switch status.State {
		case StateSucceeded:
			c.log.Info("encryption_complete")
			return nil
		case StateFailed:
			c.log.Debug("encryption_failed", "failure_code", status.FailureCode)
			if status.FailureCode == FailureCodeUnsupportedGuest {
				return errors.UnsupportedGuest(status.FailureCode)
			}
			return errors.EncryptionFailed(status.FailureCode)
		}

		if status.PercentComplete > lastProgress {
			lastProgress = status.PercentComplete
			progressDeadline = now.Add(progressTimeout)
		} else if !now.Before(progressDeadline) {
			return errors.Encryptionf(errors.ErrEncryptionStalled,
				"waited for encryption progress for longer than %s", progressTimeout)
		}

		if now.Sub(lastLog) >= logInterval {
			c.log.Info("encryption_progress", "percent_complete", status.PercentComplete)
			lastLog = now
		}

		c.clock.Sleep(statusInterval)
	}

	return errors.Encryptionf(errors.ErrAgentUnavailable,
		"encryption service unavailable after %d consecutive errors", maxErrors)
}
