package protocol

import "encoding/json"

// Location is the shared world-coordinate shape carried by several
// sensor/action messages.
type Location struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	World string  `json:"world"`
}

// BlockObservation is one nearby block as reported by the sensor plugin.
type BlockObservation struct {
	ID       string   `json:"id"` // e.g. "oak_log"
	Location Location `json:"location"`
}

// EntityObservation is one nearby entity (mob, player, or another bot).
type EntityObservation struct {
	ID       string   `json:"id"` // entity UUID or name
	Type     string   `json:"type"`
	Location Location `json:"location"`
	Hostile  bool     `json:"hostile"`
}

// InventoryItem is one stack in the bot's inventory.
type InventoryItem struct {
	ID    string `json:"id"`
	Slot  int    `json:"slot"`
	Count int    `json:"count"`
}

// SensorUpdatePayload is the body of a MsgSensorUpdate message: one
// per-agent observation frame as defined in the sensor wire protocol.
type SensorUpdatePayload struct {
	BotName   string              `json:"botName"`
	Tick      uint64              `json:"tick"` // monotonic, per agent
	Location  Location            `json:"location"`
	Health    float64             `json:"health"`
	Food      float64             `json:"food"`
	Inventory []InventoryItem     `json:"items"`
	Blocks    []BlockObservation  `json:"blocks"`
	Entities  []EntityObservation `json:"entities"`
	Weather   string              `json:"weather"`
	Chunks    int                 `json:"chunks"`
	MobAI     []string            `json:"mobAI,omitempty"`
}

// ServerTickPayload is the body of a MsgServerTick message.
type ServerTickPayload struct {
	Tick           uint64  `json:"tick"`
	TPS            float64 `json:"tps"`
	OnlinePlayers  int     `json:"onlinePlayers"`
	LoadedChunks   int     `json:"loadedChunks"`
}

// Envelope is the length-framed JSON envelope for every sensor-stream
// message in both directions.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SpawnAgentPayload requests that the bridge spawn a new bot entity.
type SpawnAgentPayload struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Location Location `json:"location"`
	Skin     string   `json:"skin,omitempty"`
}

// RemoveAgentPayload requests that the bridge despawn a bot entity.
type RemoveAgentPayload struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ActionPayload dispatches one action attempt to the bridge.
type ActionPayload struct {
	Target     string                 `json:"target"` // bot name
	Action     string                 `json:"action"` // action name, from actionspace.Catalog
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// SpawnConfirmPayload is the bridge's acknowledgement of a spawn.
type SpawnConfirmPayload struct {
	Name       string   `json:"name"`
	EntityUUID string   `json:"entityUuid"`
	Location   Location `json:"location"`
}

// AgentDeathPayload reports that a bot entity died.
type AgentDeathPayload struct {
	Name     string   `json:"name"`
	Cause    string   `json:"cause"`
	Killer   string   `json:"killer,omitempty"`
	Location Location `json:"location"`
}

// ActionResultPayload is the bridge's structured outcome for one prior
// MsgAction, correlated back to the dispatcher by Target. The per-agent
// tick invariant (at most one in-flight action per agent) makes Target
// alone a sufficient correlation key.
type ActionResultPayload struct {
	Target       string  `json:"target"`
	Succeeded    bool    `json:"succeeded"`
	FailureKind  string  `json:"failureKind,omitempty"`
	AmountGained float64 `json:"amountGained,omitempty"`
	AmountLost   float64 `json:"amountLost,omitempty"`
	AdvancedTask string  `json:"advancedTask,omitempty"`
}

// ChatPayload carries one Dialogue Pipeline utterance to the bridge for
// delivery into game chat. It is fire-and-forget: the bridge has no
// acknowledgement message for it, matching Remove's semantics.
type ChatPayload struct {
	Speaker  string `json:"speaker"`
	Listener string `json:"listener,omitempty"`
	Channel  string `json:"channel"`
	Utterance string `json:"utterance"`
}
