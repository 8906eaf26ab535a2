package encoder

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

func sampleFrame() protocol.SensorUpdatePayload {
	return protocol.SensorUpdatePayload{
		BotName: "bot-1",
		Tick:    42,
		Location: protocol.Location{X: 0, Y: 64, Z: 0, Yaw: 90, Pitch: 0, World: "overworld"},
		Health:  20,
		Food:    20,
		Inventory: []protocol.InventoryItem{{ID: "oak_log", Slot: 0, Count: 4}},
		Blocks:  []protocol.BlockObservation{{ID: "oak_log", Location: protocol.Location{X: 1, Y: 64, Z: 0}}},
		Entities: nil,
		Weather: "clear",
		Chunks:  4,
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	h := &agenthandle.Handle{Identity: "bot-1", Health: 20, Food: 20}
	frame := sampleFrame()
	mem := MemoryContext{}

	a := Encode(h, frame, mem)
	b := Encode(h, frame, mem)
	if a != b {
		t.Fatalf("expected bit-identical vectors for identical input")
	}
}

func TestEncodeIsFinite(t *testing.T) {
	h := &agenthandle.Handle{}
	frame := protocol.SensorUpdatePayload{
		Health: math.NaN(),
		Food:   math.Inf(1),
		Location: protocol.Location{X: math.Inf(-1)},
	}
	v := Encode(h, frame, MemoryContext{})
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			t.Fatalf("slot %d is non-finite: %v", i, f)
		}
	}
}

func TestEncodeDoesNotPanicOnEmptyFrame(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Encode panicked on empty frame: %v", r)
		}
	}()
	Encode(nil, protocol.SensorUpdatePayload{}, MemoryContext{})
}

func TestOakLogBlockSetsCategorySlotWithNoEntityContribution(t *testing.T) {
	h := &agenthandle.Handle{Health: 20, Food: 20}
	frame := sampleFrame()
	v := Encode(h, frame, MemoryContext{})

	idx := blockCategoryIndex("oak_log")
	if v[offBlockCategory+idx] == 0 {
		t.Fatalf("expected oak_log block category slot to be non-zero")
	}
	for i := 0; i < slotEntityCategory; i++ {
		if v[offEntityCategory+i] != 0 {
			t.Fatalf("expected zero entity slots when no entities present, slot %d = %v", i, v[offEntityCategory+i])
		}
	}
}

func TestBoundedWorkRegardlessOfBlockCount(t *testing.T) {
	h := &agenthandle.Handle{Health: 20, Food: 20}
	base := sampleFrame()
	base.Blocks = nil
	for i := 0; i < MaxBlocks; i++ {
		base.Blocks = append(base.Blocks, protocol.BlockObservation{
			ID:       fmt.Sprintf("stone_%d", i),
			Location: protocol.Location{X: float64(i), Y: 64, Z: 0},
		})
	}
	flood := base
	flood.Blocks = append([]protocol.BlockObservation{}, base.Blocks...)
	for i := 0; i < 300000; i++ {
		flood.Blocks = append(flood.Blocks, protocol.BlockObservation{
			ID:       fmt.Sprintf("far_%d", i),
			Location: protocol.Location{X: float64(100000 + i), Y: 64, Z: 0},
		})
	}

	baseline := Encode(h, base, MemoryContext{})

	start := time.Now()
	flooded := Encode(h, flood, MemoryContext{})
	elapsed := time.Since(start)

	if elapsed > 5*time.Millisecond {
		t.Fatalf("encode took %v with a flooded frame, expected bounded work", elapsed)
	}
	if baseline != flooded {
		t.Fatalf("expected flooded frame (same nearest %d blocks) to encode identically to baseline", MaxBlocks)
	}
}
