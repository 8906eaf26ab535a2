// Package sensorbridge maintains the single authenticated duplex
// connection to the external sensor broadcaster, decodes its
// length-framed JSON envelopes, and republishes them onto the in-process
// event bus. Reconnection is bounded; exhausting the attempt budget is
// fatal for this client instance but not for the process.
package sensorbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/npcbrain/internal/bus"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// State is one node in the sensor bridge's protocol state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateAwaitingAuth State = "awaiting_auth"
	StateAuthenticated State = "authenticated"
	StateRegistered   State = "registered"
	StateStreaming    State = "streaming"
)

// DefaultStaleWindow is how old a cached frame may be before Latest
// reports it stale.
const DefaultStaleWindow = 5 * time.Second

// DefaultBackoffInterval and DefaultMaxAttempts match the documented
// bounded linear reconnect policy.
const (
	DefaultBackoffInterval = 5 * time.Second
	DefaultMaxAttempts     = 10
)

type cachedFrame struct {
	frame      protocol.SensorUpdatePayload
	receivedAt time.Time
}

// Client owns exactly one connection to the sensor broadcaster.
type Client struct {
	URL   string
	Token string

	StaleWindow     time.Duration
	BackoffInterval time.Duration
	MaxAttempts     int

	Bus *bus.Bus

	mu     sync.RWMutex
	state  State
	conn   *websocket.Conn
	frames map[string]cachedFrame

	registered map[string]bool
}

// New constructs a client for the given sensor broadcaster URL.
func New(url, token string, eventBus *bus.Bus) *Client {
	return &Client{
		URL:             url,
		Token:           token,
		StaleWindow:     DefaultStaleWindow,
		BackoffInterval: DefaultBackoffInterval,
		MaxAttempts:     DefaultMaxAttempts,
		Bus:             eventBus,
		state:           StateDisconnected,
		frames:          make(map[string]cachedFrame),
		registered:      make(map[string]bool),
	}
}

// State reports the client's current protocol state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect establishes and authenticates the single duplex connection,
// retrying with bounded linear backoff. Idempotent: safe to call again
// from any state. On exhausting MaxAttempts it publishes a terminal
// reconnect_failed event and returns an error; the process itself is
// unaffected.
func (c *Client) Connect(ctx context.Context) error {
	interval := c.BackoffInterval
	if interval <= 0 {
		interval = DefaultBackoffInterval
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	b := backoff.NewConstantBackOff(interval)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.connectOnce(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxAttempts)))

	if err != nil {
		c.setState(StateDisconnected)
		c.Bus.PublishShutdown(bus.ShutdownEvent{Reason: "reconnect_failed"})
		slog.Warn("sensorbridge.reconnect_failed", "attempts", maxAttempts, "error", err)
		return fmt.Errorf("sensorbridge: reconnect exhausted after %d attempts: %w", maxAttempts, err)
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{HTTPClient: &http.Client{}})
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("sensorbridge: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateAwaitingAuth)
	if err := c.authenticate(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "auth failed")
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateAuthenticated)

	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	env := protocol.Envelope{Kind: protocol.MsgAuth}
	payload, _ := json.Marshal(map[string]string{"token": c.Token})
	env.Payload = payload
	return c.writeEnvelope(ctx, env)
}

// Register informs the broadcaster that this hub consumes frames for
// agentIdentity. Requires the client to already be authenticated.
func (c *Client) Register(ctx context.Context, agentIdentity string) error {
	if c.State() != StateAuthenticated && c.State() != StateRegistered && c.State() != StateStreaming {
		return fmt.Errorf("sensorbridge: register called before authentication (state=%s)", c.State())
	}
	env := protocol.Envelope{Kind: protocol.MsgRegisterBot}
	payload, _ := json.Marshal(map[string]string{"botName": agentIdentity})
	env.Payload = payload
	if err := c.writeEnvelope(ctx, env); err != nil {
		return err
	}
	c.mu.Lock()
	c.registered[agentIdentity] = true
	c.mu.Unlock()
	c.setState(StateRegistered)
	return nil
}

func (c *Client) writeEnvelope(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sensorbridge: marshal envelope: %w", err)
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("sensorbridge: no active connection")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Run reads decoded messages off the connection until ctx is cancelled
// or the connection errors, republishing them onto the bus. Protocol and
// parse errors are logged and the loop continues; a read/connection
// error triggers reconnection from the caller's retry loop.
func (c *Client) Run(ctx context.Context) error {
	c.setState(StateStreaming)
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return fmt.Errorf("sensorbridge: run called with no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("sensorbridge: read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("sensorbridge.parse_error", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Kind {
	case protocol.MsgSensorUpdate:
		var frame protocol.SensorUpdatePayload
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			slog.Warn("sensorbridge.decode_frame_failed", "error", err)
			return
		}
		c.mu.Lock()
		c.frames[frame.BotName] = cachedFrame{frame: frame, receivedAt: time.Now()}
		c.mu.Unlock()
		c.Bus.PublishFrame(bus.FrameEvent{AgentIdentity: frame.BotName, Frame: frame})

	case protocol.MsgServerTick:
		var tick protocol.ServerTickPayload
		if err := json.Unmarshal(env.Payload, &tick); err != nil {
			slog.Warn("sensorbridge.decode_tick_failed", "error", err)
			return
		}
		c.Bus.PublishTick(bus.TickEvent{Tick: tick})

	case protocol.MsgCheckpoint:
		var body struct {
			Tick uint64 `json:"tick"`
		}
		json.Unmarshal(env.Payload, &body)
		c.Bus.PublishCheckpoint(bus.CheckpointEvent{Tick: body.Tick})

	case protocol.MsgEvolution:
		var body struct {
			Tick uint64 `json:"tick"`
		}
		json.Unmarshal(env.Payload, &body)
		c.Bus.PublishEvolution(bus.EvolutionEvent{Tick: body.Tick})

	case protocol.MsgServerShutdown:
		c.Bus.PublishShutdown(bus.ShutdownEvent{Reason: "server_shutdown"})

	case protocol.MsgError:
		slog.Warn("sensorbridge.protocol_error", "payload", string(env.Payload))

	default:
		slog.Warn("sensorbridge.unknown_message_kind", "kind", env.Kind)
	}
}

// Latest returns the most recent cached frame for agentIdentity. stale
// is true if the frame is older than StaleWindow; ok is false if no
// frame has ever been received for this identity.
func (c *Client) Latest(agentIdentity string) (frame protocol.SensorUpdatePayload, stale bool, ok bool) {
	window := c.StaleWindow
	if window <= 0 {
		window = DefaultStaleWindow
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, found := c.frames[agentIdentity]
	if !found {
		return protocol.SensorUpdatePayload{}, false, false
	}
	return cached.frame, time.Since(cached.receivedAt) > window, true
}

// Disconnect closes the connection idempotently, safe to call from any
// state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "disconnect")
		c.conn = nil
	}
	c.state = StateDisconnected
}
