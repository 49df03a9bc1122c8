// Package connector talks to the garden controller over plain TCP.
//
// One exchange is one connection: dial, write the whole request, read until the
// controller closes its side, close. There is no length prefix and no terminator;
// end of response is end of stream.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/fault"
	"github.com/speedwagon-io/garden/internal/lib/logger/sl"
)

const (
	// QueryMarker asks the controller for its readings without sending tasks.
	QueryMarker = "data_query"

	DefaultChunkSize = 56
)

type Exchanger interface {
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
	Address() string
}

type Client struct {
	log       *slog.Logger
	address   string
	dialer    *net.Dialer
	ioTimeout time.Duration
	chunkSize int
	retry     *Retry
}

func New(log *slog.Logger, cfg *config.ControllerConfig) *Client {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Client{
		log:       log.With(slog.String("controller", cfg.Address)),
		address:   cfg.Address,
		dialer:    &net.Dialer{Timeout: cfg.DialTimeout},
		ioTimeout: cfg.IOTimeout,
		chunkSize: chunk,
		retry:     NewRetry(&cfg.Retry),
	}
}

func (c *Client) Address() string {
	return c.address
}

// Exchange sends payload and returns everything the controller wrote back. On any failure
// the data is discarded and a fault.ConnectionError is returned.
func (c *Client) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fault.ConnectionError("dial "+c.address, err)
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debug("failed to close connection", sl.Err(err))
		}
	}()

	if c.ioTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return nil, fault.ConnectionError("set deadline", err)
		}
	}

	// unblock pending reads/writes when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return nil, fault.ConnectionError("write", c.ctxErr(ctx, err))
		}
		c.log.Debug("payload sent", slog.Int("bytes", len(payload)))
	}

	data, err := ReadAll(conn, c.chunkSize)
	if err != nil {
		c.log.Warn("read aborted",
			slog.Int("partial_bytes", len(data)),
			sl.Err(err),
		)
		return nil, fault.ConnectionError("read", c.ctxErr(ctx, err))
	}

	c.log.Debug("response received", slog.Int("bytes", len(data)))
	return data, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	err := c.retry.Do(ctx, func(attempt int) error {
		var err error
		conn, err = c.dialer.DialContext(ctx, "tcp", c.address)
		if err != nil {
			c.log.Warn("connect attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.retry.MaxAttempts()),
				sl.Err(err),
			)
			return err
		}
		return nil
	})
	return conn, err
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// ReadAll reads r in chunk-sized calls until EOF. A short read does not end the
// response; only EOF does. On error the bytes read so far are returned with it.
func ReadAll(r io.Reader, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var data []byte
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		data = append(data, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return data, err
		}
	}
}
