package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client records agent telemetry in InfluxDB through the batched,
// non-blocking write API. Recording never waits on the network.
//
// Safe for concurrent use.
type Client struct {
	server   influxdb2.Client // nil in tests driving newClient directly
	writeAPI api.WriteAPI

	closed     atomic.Bool
	onError    atomic.Pointer[func(error)]
	writeFails atomic.Uint64
}

// clientOptions maps the batching settings onto the library's options.
// Zero or negative values fall back to defaults.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
}

// Connect pings the server and returns a ready Client. It returns
// ErrDisabled when InfluxDB is switched off.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	server := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, server); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := newClient(server.WriteAPI(cfg.Org, cfg.Bucket))
	c.server = server
	return c, nil
}

func ping(ctx context.Context, server influxdb2.Client) error {
	ok, err := server.Ping(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("ping: %w", err)
	case !ok:
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// newClient wraps w. The library's error channel is unbuffered and blocks
// the writer when nobody reads it, so draining starts immediately.
func newClient(w api.WriteAPI) *Client {
	c := &Client{writeAPI: w}
	go c.drainErrors(w.Errors())
	return c
}

func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.writeFails.Add(1)
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// SetOnError installs the callback for async write failures. Pass nil to
// remove it.
func (c *Client) SetOnError(fn func(error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// WriteFailures counts write errors reported by the server since start.
func (c *Client) WriteFailures() uint64 {
	return c.writeFails.Load()
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.server); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// Flush pushes buffered points out. No-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes and releases the client. Repeated calls do nothing.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	if c.server != nil {
		c.server.Close()
	}
	return nil
}
