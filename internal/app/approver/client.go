package approver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
	"github.com/coachpo/barrierbus/internal/infra/logging"
	"github.com/coachpo/barrierbus/internal/infra/transport/ws"
)

const maxReconnectInterval = 30 * time.Second

// ClientConfig points the approver at a hub.
type ClientConfig struct {
	// URL is the hub endpoint, e.g. ws://localhost:8880/ws.
	URL         string
	ResponderID string
	// Room defaults to the bus barrier room.
	Room                 string
	MaxReconnectInterval time.Duration
	WriteTimeout         time.Duration
}

// Client votes on announced barriers using a Policy.
type Client struct {
	cfg    ClientConfig
	policy *Policy
	logger zerolog.Logger

	connects atomic.Uint64
	votes    atomic.Uint64
	rejected atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the component logger.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient validates cfg and builds a client.
func NewClient(cfg ClientConfig, policy *Policy, opts ...ClientOption) (*Client, error) {
	if policy == nil {
		return nil, fmt.Errorf("approver: policy required")
	}
	cfg.ResponderID = strings.TrimSpace(cfg.ResponderID)
	if cfg.ResponderID == "" {
		return nil, fmt.Errorf("approver: responder id required")
	}
	cfg.Room = strings.TrimSpace(cfg.Room)
	if cfg.Room == "" {
		cfg.Room = eventbus.DefaultBarrierRoom
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = maxReconnectInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	endpoint, err := roomURL(cfg.URL, cfg.Room)
	if err != nil {
		return nil, err
	}
	cfg.URL = endpoint

	c := &Client{cfg: cfg, policy: policy, logger: logging.Component("approver")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func roomURL(raw, room string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("approver: parse url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("approver: unsupported url scheme %q", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("room", room)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Run keeps a session open until ctx ends, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.cfg.MaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
		if err == nil {
			c.connects.Add(1)
			backoffCfg.Reset()
			c.logger.Info().Str("url", c.cfg.URL).Str("responder", c.cfg.ResponderID).Msg("approver connected")
			err = c.session(ctx, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "approver shutdown")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Msg("approver session ended")
		} else {
			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("approver dial failed")
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

type inboundFrame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Event  json.RawMessage `json:"event"`
	Action string          `json:"action"`
	Error  string          `json:"error"`
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("approver skipped malformed frame")
			continue
		}
		switch frame.Type {
		case eventbus.BarrierRequestedEventType:
			if err := c.vote(ctx, conn, frame.Event); err != nil {
				return err
			}
		case ws.FrameError:
			c.rejected.Add(1)
			c.logger.Warn().Str("action", frame.Action).Str("error", frame.Error).Msg("hub rejected command")
		}
	}
}

func (c *Client) vote(ctx context.Context, conn *websocket.Conn, raw json.RawMessage) error {
	var req schema.BarrierRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Event == nil {
		c.logger.Debug().Err(err).Msg("approver skipped malformed barrier request")
		return nil
	}
	decision := c.policy.Decide(req)
	cmd := ws.Command{
		Action:      ws.ActionRespond,
		EventID:     req.Event.ID,
		ResponderID: c.cfg.ResponderID,
		Progression: decision.Progression,
		Reason:      decision.Reason,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode vote: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write vote: %w", err)
	}
	c.votes.Add(1)
	c.logger.Info().
		Str("event_id", req.Event.ID).
		Str("event_type", req.Event.Type).
		Str("progression", string(decision.Progression)).
		Str("policy", c.policy.Name()).
		Msg("approver voted")
	return nil
}

// Stats reports connection and vote counters.
func (c *Client) Stats() (connects, votes, rejected uint64) {
	return c.connects.Load(), c.votes.Load(), c.rejected.Load()
}

// IsClosed reports whether err ends Run because ctx was cancelled.
func IsClosed(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
