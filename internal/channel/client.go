// Package channel delivers upload batches to the dataset backend as JSON-RPC
// messages over a websocket.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

// ErrClientClosed is returned by Dispatch after Close.
var ErrClientClosed = errors.New("channel client closed")

// Client sends payloads to the backend. It connects lazily and reconnects after
// the socket drops.
type Client struct {
	cfg    config.ChannelConfig
	log    recorderlog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *jsonrpc2.Conn
	closed bool
}

var _ session.Dispatcher = (*Client)(nil)

// NewClient creates a client for cfg.
func NewClient(cfg config.ChannelConfig, log recorderlog.Logger) *Client {
	if log == nil {
		log = recorderlog.L()
	}
	return &Client{
		cfg: cfg,
		log: log.Named("channel"),
		dialer: &websocket.Dialer{
			HandshakeTimeout:  cfg.DialTimeout,
			EnableCompression: true,
		},
	}
}

// URL returns the websocket address of the backend.
func (c *Client) URL() string {
	scheme := "ws"
	if c.cfg.UseTLS {
		scheme = "wss"
	}
	endpoint := c.cfg.Endpoint
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	u := url.URL{Scheme: scheme, Host: endpoint, Path: c.cfg.Path}
	return u.String()
}

// Connect dials the backend unless a live connection exists.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		select {
		case <-c.conn.DisconnectNotify():
			c.log.Info("backend connection dropped, reconnecting")
			c.conn = nil
		default:
			return c.conn, nil
		}
	}

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	target := c.URL()
	ws, resp, err := c.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	c.conn = jsonrpc2.NewConn(context.Background(), newObjectStream(ws), &backendHandler{log: c.log})
	c.log.Info("connected to backend", recorderlog.String("url", target))
	return c.conn, nil
}

// Dispatch sends payload using the configured method. In call mode it waits for the
// backend's reply; in notify mode it returns once the message is written.
func (c *Client) Dispatch(ctx context.Context, payload *session.Payload) (*session.Ack, error) {
	var ack *session.Ack

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if c.cfg.RetryBackoff > 0 {
			ebo.InitialInterval = c.cfg.RetryBackoff
		}
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(c.cfg.MaxRetries))
	}

	op := func() error {
		conn, err := c.connection(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				return backoff.Permanent(err)
			}
			return err
		}

		callCtx := ctx
		if c.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}

		if c.cfg.Mode == config.ModeNotify {
			if err := conn.Notify(callCtx, c.cfg.Method, payload); err != nil {
				c.drop(conn)
				return err
			}
			ack = &session.Ack{Status: "sent"}
			return nil
		}

		var raw json.RawMessage
		if err := conn.Call(callCtx, c.cfg.Method, payload, &raw); err != nil {
			var rpcErr *jsonrpc2.Error
			if errors.As(err, &rpcErr) {
				return backoff.Permanent(fmt.Errorf("backend rejected %s: %w", c.cfg.Method, err))
			}
			c.drop(conn)
			return err
		}
		ack = parseAck(raw)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn("dispatch attempt failed, retrying",
			recorderlog.String("method", c.cfg.Method),
			recorderlog.Duration("wait", wait),
			recorderlog.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(newBackoff(), ctx), notify); err != nil {
		return nil, err
	}
	return ack, nil
}

// parseAck accepts either a structured acknowledgement or any other JSON reply.
func parseAck(raw json.RawMessage) *session.Ack {
	ack := &session.Ack{}
	if len(raw) > 0 && json.Unmarshal(raw, ack) == nil && ack.Status != "" {
		ack.Raw = raw
		return ack
	}
	return &session.Ack{Status: "ok", Raw: raw}
}

// drop discards conn if it is still the current connection.
func (c *Client) drop(conn *jsonrpc2.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}

// Close closes the connection. Further dispatches fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// backendHandler logs messages the backend pushes without being asked.
type backendHandler struct {
	log recorderlog.Logger
}

func (h *backendHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	h.log.Info("backend message",
		recorderlog.String("method", req.Method),
		recorderlog.Bool("notification", req.Notif),
		recorderlog.Int("params_bytes", len(params)),
	)
	if req.Notif {
		return
	}
	if err := conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
		Code:    jsonrpc2.CodeMethodNotFound,
		Message: "client does not serve " + req.Method,
	}); err != nil {
		h.log.Debug("failed to reply to backend request", recorderlog.Error(err))
	}
}
