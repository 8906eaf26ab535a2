package bus

import (
	"testing"

	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

func TestFrameSubscriptionKeepsLatestOnly(t *testing.T) {
	b := New()
	sub := b.SubscribeFrames("encoder")

	for i := 0; i < 5; i++ {
		b.PublishFrame(FrameEvent{AgentIdentity: "bot-1", Frame: protocol.SensorUpdatePayload{Tick: uint64(i)}})
	}

	items := sub.Drain()
	if len(items) != 1 {
		t.Fatalf("expected exactly 1 retained frame, got %d", len(items))
	}
	if items[0].Frame.Tick != 4 {
		t.Fatalf("expected latest tick 4, got %d", items[0].Frame.Tick)
	}
}

func TestTickSubscriptionDropsOldestWhenFull(t *testing.T) {
	b := New()
	sub := b.SubscribeTicks("trainer")

	for i := 0; i < tickQueueCap+10; i++ {
		b.PublishTick(TickEvent{Tick: protocol.ServerTickPayload{Tick: uint64(i)}})
	}

	items := sub.Drain()
	if len(items) != tickQueueCap {
		t.Fatalf("expected queue capped at %d, got %d", tickQueueCap, len(items))
	}
	if items[0].Tick.Tick != 10 {
		t.Fatalf("expected oldest retained tick to be 10 (first 10 dropped), got %d", items[0].Tick.Tick)
	}
	if items[len(items)-1].Tick.Tick != uint64(tickQueueCap+9) {
		t.Fatalf("expected newest tick preserved, got %d", items[len(items)-1].Tick.Tick)
	}
}

func TestUnsubscribeRemovesAllKinds(t *testing.T) {
	b := New()
	b.SubscribeFrames("x")
	b.SubscribeTicks("x")
	b.Unsubscribe("x")

	// publishing after unsubscribe must not panic and must reach no one.
	b.PublishFrame(FrameEvent{AgentIdentity: "bot-1"})
	b.PublishTick(TickEvent{})
}
