// Package actionbridge maintains the outbound half of the v2 bridge
// protocol: spawn_agent, remove_agent, and action messages sent to the
// external bridge, correlated back to spawn_confirm, action_result, and
// agent_death responses. It implements agenthandle.Dispatcher so the
// Agent Orchestrator and Action Space executor never see the wire
// protocol directly.
package actionbridge

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

	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/internal/bus"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// DefaultActionTimeout bounds how long Dispatch waits for a correlated
// action_result before reporting a timeout failure.
const DefaultActionTimeout = 3 * time.Second

// DefaultBackoffInterval and DefaultMaxAttempts match the sensor bridge's
// bounded linear reconnect policy.
const (
	DefaultBackoffInterval = 5 * time.Second
	DefaultMaxAttempts     = 10
)

type pendingAction struct {
	result chan protocol.ActionResultPayload
}

type pendingSpawn struct {
	result chan protocol.SpawnConfirmPayload
}

// Client owns the outbound connection to the v2 action/spawn bridge. The
// per-agent tick invariant (no two ticks for the same agent run
// concurrently) guarantees at most one in-flight action per agent, so
// Target name alone is a sufficient correlation key.
type Client struct {
	URL string

	ActionTimeout   time.Duration
	BackoffInterval time.Duration
	MaxAttempts     int

	Bus *bus.Bus

	mu             sync.Mutex
	conn           *websocket.Conn
	pendingActions map[string]pendingAction
	pendingSpawns  map[string]pendingSpawn
}

// New constructs a client for the given v2 bridge URL.
func New(url string, eventBus *bus.Bus) *Client {
	return &Client{
		URL:             url,
		ActionTimeout:   DefaultActionTimeout,
		BackoffInterval: DefaultBackoffInterval,
		MaxAttempts:     DefaultMaxAttempts,
		Bus:             eventBus,
		pendingActions:  make(map[string]pendingAction),
		pendingSpawns:   make(map[string]pendingSpawn),
	}
}

// Connect dials the bridge with bounded linear backoff, mirroring the
// Sensor Bridge Client's reconnect policy.
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
		conn, _, dialErr := websocket.Dial(ctx, c.URL, &websocket.DialOptions{HTTPClient: &http.Client{}})
		if dialErr != nil {
			return struct{}{}, fmt.Errorf("actionbridge: dial: %w", dialErr)
		}
		conn.SetReadLimit(4 << 20)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxAttempts)))

	if err != nil {
		slog.Warn("actionbridge.connect_failed", "attempts", maxAttempts, "error", err)
		return fmt.Errorf("actionbridge: connect exhausted after %d attempts: %w", maxAttempts, err)
	}
	return nil
}

// Run reads bridge responses until ctx is cancelled or the connection
// errors, resolving pending Dispatch/Spawn calls and publishing
// agent_death to the bus.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("actionbridge: run called with no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("actionbridge: read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("actionbridge.parse_error", "error", err)
			continue
		}
		c.dispatchInbound(env)
	}
}

func (c *Client) dispatchInbound(env protocol.Envelope) {
	switch env.Kind {
	case protocol.MsgActionResult:
		var res protocol.ActionResultPayload
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			slog.Warn("actionbridge.decode_action_result_failed", "error", err)
			return
		}
		c.mu.Lock()
		p, ok := c.pendingActions[res.Target]
		if ok {
			delete(c.pendingActions, res.Target)
		}
		c.mu.Unlock()
		if ok {
			p.result <- res
		}

	case protocol.MsgSpawnConfirm:
		var res protocol.SpawnConfirmPayload
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			slog.Warn("actionbridge.decode_spawn_confirm_failed", "error", err)
			return
		}
		c.mu.Lock()
		p, ok := c.pendingSpawns[res.Name]
		if ok {
			delete(c.pendingSpawns, res.Name)
		}
		c.mu.Unlock()
		if ok {
			p.result <- res
		}

	case protocol.MsgAgentDeath:
		var death protocol.AgentDeathPayload
		if err := json.Unmarshal(env.Payload, &death); err != nil {
			slog.Warn("actionbridge.decode_agent_death_failed", "error", err)
			return
		}
		c.Bus.PublishDeath(bus.DeathEvent{AgentIdentity: death.Name, Cause: death.Cause, Killer: death.Killer})

	case protocol.MsgError:
		slog.Warn("actionbridge.protocol_error", "payload", string(env.Payload))

	default:
		slog.Warn("actionbridge.unknown_message_kind", "kind", env.Kind)
	}
}

func (c *Client) write(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("actionbridge: marshal envelope: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("actionbridge: no active connection")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Dispatch sends an action message and blocks until a correlated
// action_result arrives or the bounded budget expires.
func (c *Client) Dispatch(ctx context.Context, h *agenthandle.Handle, action protocol.ActionPayload) (agenthandle.Outcome, error) {
	timeout := c.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan protocol.ActionResultPayload, 1)
	c.mu.Lock()
	c.pendingActions[action.Target] = pendingAction{result: ch}
	c.mu.Unlock()

	payload, err := json.Marshal(action)
	if err != nil {
		c.clearPendingAction(action.Target)
		return agenthandle.Outcome{}, fmt.Errorf("actionbridge: marshal action: %w", err)
	}
	if err := c.write(execCtx, protocol.Envelope{Kind: protocol.MsgAction, Payload: payload}); err != nil {
		c.clearPendingAction(action.Target)
		return agenthandle.Outcome{}, err
	}

	select {
	case res := <-ch:
		return agenthandle.Outcome{
			ActionName:   action.Action,
			Succeeded:    res.Succeeded,
			FailureKind:  res.FailureKind,
			AmountGained: res.AmountGained,
			AmountLost:   res.AmountLost,
			AdvancedTask: res.AdvancedTask,
		}, nil
	case <-execCtx.Done():
		c.clearPendingAction(action.Target)
		return agenthandle.Outcome{ActionName: action.Action, FailureKind: "timeout"}, nil
	}
}

func (c *Client) clearPendingAction(target string) {
	c.mu.Lock()
	delete(c.pendingActions, target)
	c.mu.Unlock()
}

// Spawn requests a new bot entity and blocks until the bridge confirms it.
func (c *Client) Spawn(ctx context.Context, req protocol.SpawnAgentPayload) (protocol.SpawnConfirmPayload, error) {
	timeout := c.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan protocol.SpawnConfirmPayload, 1)
	c.mu.Lock()
	c.pendingSpawns[req.Name] = pendingSpawn{result: ch}
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		c.clearPendingSpawn(req.Name)
		return protocol.SpawnConfirmPayload{}, fmt.Errorf("actionbridge: marshal spawn: %w", err)
	}
	if err := c.write(execCtx, protocol.Envelope{Kind: protocol.MsgSpawnAgent, Payload: payload}); err != nil {
		c.clearPendingSpawn(req.Name)
		return protocol.SpawnConfirmPayload{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-execCtx.Done():
		c.clearPendingSpawn(req.Name)
		return protocol.SpawnConfirmPayload{}, fmt.Errorf("actionbridge: spawn_confirm timed out for %q", req.Name)
	}
}

func (c *Client) clearPendingSpawn(name string) {
	c.mu.Lock()
	delete(c.pendingSpawns, name)
	c.mu.Unlock()
}

// Remove requests that the bridge despawn a bot entity. No confirmation
// message exists in the wire protocol for this request, so Remove returns
// as soon as the write succeeds.
func (c *Client) Remove(ctx context.Context, req protocol.RemoveAgentPayload) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("actionbridge: marshal remove: %w", err)
	}
	return c.write(ctx, protocol.Envelope{Kind: protocol.MsgRemoveAgent, Payload: payload})
}

// SendChat delivers one dialogue utterance to the bridge for in-game
// chat. Fire-and-forget, matching Remove: no wire-level confirmation
// message exists for it.
func (c *Client) SendChat(ctx context.Context, chat protocol.ChatPayload) error {
	payload, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("actionbridge: marshal chat: %w", err)
	}
	return c.write(ctx, protocol.Envelope{Kind: protocol.MsgChat, Payload: payload})
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "disconnect")
		c.conn = nil
	}
}
