package clientsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

// ErrAttemptsExhausted is returned once the reconnect budget is spent
// and the synchronizer has entered its persistent connection-lost state.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// BackoffPolicy doubles the delay per consecutive failure, capped at
// Max, for at most MaxAttempts attempts.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		MaxAttempts: 8,
	}
}

func (p BackoffPolicy) Validate() error {
	if p.Initial <= 0 {
		return errors.New("initial delay must be positive")
	}
	if p.Max < p.Initial {
		return errors.New("max delay must be >= initial delay")
	}
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	return nil
}

// Delay returns the wait before the given 1-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	delay := p.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// Dialer opens one progress stream. The reader yields newline-delimited
// JSON ProgressEvent records.
type Dialer func(ctx context.Context) (io.ReadCloser, error)

// NewHTTPDialer subscribes to the pipeline progress endpoint of the
// audits service.
func NewHTTPDialer(client *http.Client, baseURL, pipelineID string) Dialer {
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/pipelines/%s/progress", strings.TrimRight(baseURL, "/"), pipelineID)
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/x-ndjson")
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("subscribe: unexpected status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

// Client supervises the stream: dial, decode, dispatch into the
// synchronizer, and reconnect with exponential backoff on transport
// failure. After every (re)connect, live events are held back until the
// authoritative snapshot has been applied, closing any event gap.
type Client struct {
	logger  *slog.Logger
	sync    *Synchronizer
	dial    Dialer
	backoff BackoffPolicy

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(logger *slog.Logger, sync *Synchronizer, dial Dialer, backoff BackoffPolicy) (*Client, error) {
	if sync == nil || dial == nil {
		return nil, errors.New("synchronizer and dialer are required")
	}
	if err := backoff.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		logger:  logger,
		sync:    sync,
		dial:    dial,
		backoff: backoff,
		sleep:   sleepCtx,
	}, nil
}

// Run drives the connection until the run reaches a terminal state,
// ctx is cancelled, or the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.sync.Connecting()
		stream, err := c.dial(ctx)
		if err != nil {
			attempts++
			if retryErr := c.waitForRetry(ctx, attempts, err); retryErr != nil {
				return retryErr
			}
			continue
		}

		attempts = 0
		terminal, err := c.consume(ctx, stream)
		_ = stream.Close()
		if terminal {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if retryErr := c.waitForRetry(ctx, attempts, err); retryErr != nil {
			return retryErr
		}
	}
}

// consume reads one connection until the stream ends. terminal=true
// means the synchronizer reached a final state and no reconnect is
// wanted.
func (c *Client) consume(ctx context.Context, stream io.Reader) (bool, error) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	snapshotSeen := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event domain.ProgressEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			c.log("skipping malformed event", "error", err)
			continue
		}

		if event.Type == domain.EventSnapshot {
			snapshotSeen = true
		}
		if !snapshotSeen && !preSnapshotSafe(event.Type) {
			// The snapshot on subscribe is authoritative; live events
			// from before it would be applied out of order.
			continue
		}

		c.sync.Apply(event)
		if c.sync.Terminal() {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, io.EOF
}

func (c *Client) waitForRetry(ctx context.Context, attempts int, cause error) error {
	if attempts >= c.backoff.MaxAttempts {
		c.sync.ConnectionLost()
		c.log("giving up on stream", "attempts", attempts, "error", cause)
		return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempts, cause)
	}
	delay := c.backoff.Delay(attempts)
	c.log("stream interrupted, retrying", "attempt", attempts, "delay", delay, "error", cause)
	return c.sleep(ctx, delay)
}

func (c *Client) log(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

func preSnapshotSafe(eventType domain.EventType) bool {
	switch eventType {
	case domain.EventConnected, domain.EventPing, domain.EventSnapshot:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
