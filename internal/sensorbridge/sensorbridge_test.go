package sensorbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/bus"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

func newTestClient() *Client {
	return New("ws://example.invalid", "tok", bus.New())
}

func TestLatestReportsNoneWhenNeverReceived(t *testing.T) {
	c := newTestClient()
	_, _, ok := c.Latest("agent-1")
	if ok {
		t.Fatalf("expected no frame on file")
	}
}

func TestDispatchSensorUpdateCachesFrameAndPublishes(t *testing.T) {
	c := newTestClient()
	sub := c.Bus.SubscribeFrames("test")

	payload, _ := json.Marshal(protocol.SensorUpdatePayload{BotName: "agent-1", Health: 20})
	c.dispatch(protocol.Envelope{Kind: protocol.MsgSensorUpdate, Payload: payload})

	frame, stale, ok := c.Latest("agent-1")
	if !ok || stale || frame.Health != 20 {
		t.Fatalf("unexpected cached frame: %+v stale=%v ok=%v", frame, stale, ok)
	}

	events := sub.Drain()
	if len(events) != 1 || events[0].AgentIdentity != "agent-1" {
		t.Fatalf("expected frame event published, got %+v", events)
	}
}

func TestLatestReportsStaleBeyondWindow(t *testing.T) {
	c := newTestClient()
	c.StaleWindow = 10 * time.Millisecond

	payload, _ := json.Marshal(protocol.SensorUpdatePayload{BotName: "agent-1"})
	c.dispatch(protocol.Envelope{Kind: protocol.MsgSensorUpdate, Payload: payload})

	time.Sleep(20 * time.Millisecond)
	_, stale, ok := c.Latest("agent-1")
	if !ok || !stale {
		t.Fatalf("expected frame to be reported stale, stale=%v ok=%v", stale, ok)
	}
}

func TestDispatchMalformedFramePayloadDoesNotPanic(t *testing.T) {
	c := newTestClient()
	c.dispatch(protocol.Envelope{Kind: protocol.MsgSensorUpdate, Payload: json.RawMessage(`{"health": "not-a-number"}`)})
	if _, _, ok := c.Latest("agent-1"); ok {
		t.Fatalf("expected malformed payload to be dropped, not cached")
	}
}

func TestDispatchShutdownPublishesOnce(t *testing.T) {
	c := newTestClient()
	sub := c.Bus.SubscribeShutdown("test")
	c.dispatch(protocol.Envelope{Kind: protocol.MsgServerShutdown})

	events := sub.Drain()
	if len(events) != 1 || events[0].Reason != "server_shutdown" {
		t.Fatalf("expected one shutdown event, got %+v", events)
	}
}

func TestRegisterRefusedBeforeAuthentication(t *testing.T) {
	c := newTestClient()
	if err := c.Register(nil, "agent-1"); err == nil {
		t.Fatalf("expected register to be refused before authentication")
	}
}
