// Package protocol defines the wire contract between npcbrain and the two
// external collaborators it never originates game logic for: the sensor
// broadcaster plugin (a duplex, length-framed JSON stream) and the v2
// action/spawn bridge. Both are specified here as pure data shapes; the
// Minecraft server and bot protocol client themselves are out of scope.
package protocol

// ProtocolVersion is bumped whenever a breaking wire change is made to
// either the sensor stream or the action/spawn protocol below.
const ProtocolVersion = 2

// Sensor stream message kinds (bridge -> hub, unless noted).
const (
	MsgAuthRequired      = "auth_required"
	MsgAuth               = "auth" // hub -> bridge, carries token
	MsgAuthSuccess        = "auth_success"
	MsgRegisterBot        = "register_bot" // hub -> bridge, carries bot name
	MsgRegistrationSuccess = "registration_success"
	MsgSensorUpdate       = "sensor_update"
	MsgServerTick         = "server_tick"
	MsgCheckpoint         = "checkpoint"
	MsgEvolution          = "evolution"
	MsgServerShutdown     = "server_shutdown"
	MsgError              = "error"
)

// Action/spawn protocol message kinds (v2 bridge).
const (
	MsgSpawnAgent   = "spawn_agent"   // hub -> bridge
	MsgRemoveAgent  = "remove_agent"  // hub -> bridge
	MsgAction       = "action"        // hub -> bridge
	MsgSpawnConfirm = "spawn_confirm" // bridge -> hub
	MsgAgentDeath   = "agent_death"   // bridge -> hub
	MsgActionResult = "action_result" // bridge -> hub, correlated by target name
	MsgChat         = "chat"          // hub -> bridge, fire-and-forget
)

// Subscriber event kinds published by the Sensor Bridge Client to the
// in-process event bus. "frame" subscribers get keep-latest delivery;
// every other kind gets a bounded FIFO queue with explicit drop-oldest
// backpressure (see internal/bus).
const (
	EventFrame           = "frame"
	EventTick            = "tick"
	EventCheckpoint      = "checkpoint"
	EventEvolution       = "evolution"
	EventServerShutdown  = "server_shutdown"
	EventReconnectFailed = "reconnect_failed"
)
