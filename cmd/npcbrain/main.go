// Command npcbrain runs the multi-agent Minecraft NPC reinforcement-learning
// core: sensor ingestion, state encoding, action dispatch, reward shaping,
// policy updates, and evolutionary offspring, driven off the server's tick
// clock.
package main

import (
	"github.com/nextlevelbuilder/npcbrain/cmd"
)

func main() {
	cmd.Execute()
}
