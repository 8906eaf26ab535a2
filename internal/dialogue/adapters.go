package dialogue

import (
	"context"

	"github.com/nextlevelbuilder/npcbrain/internal/memory"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// StoreTemplates is the deterministic TemplateSource backed by the
// Memory Store's prompt library, used when the generator oracle fails
// or times out.
type StoreTemplates struct {
	Store memory.Store
}

// TemplateFor returns the first configured template for contextTag, or
// ok=false if the library has none.
func (t StoreTemplates) TemplateFor(contextTag string) (string, bool) {
	rows := t.Store.PromptTemplates(context.Background(), contextTag)
	if len(rows) == 0 {
		return "", false
	}
	return rows[0].Template, true
}

// ChatSender is the narrow slice of the action/spawn bridge the Sink
// needs: fire-and-forget delivery of one utterance into game chat.
type ChatSender interface {
	SendChat(ctx context.Context, chat protocol.ChatPayload) error
}

// StoreSink is the default Sink: utterances are delivered through the
// bridge and persisted to the Memory Store's conversation log, enqueued
// fire-and-forget so a slow store never stalls the dialogue worker.
type StoreSink struct {
	Bridge  ChatSender
	Writer  *memory.AsyncWriter
	Channel string
}

// Publish sends the utterance to the bridge for in-game delivery.
func (s StoreSink) Publish(ctx context.Context, speaker, listener, utterance string) error {
	channel := s.Channel
	if channel == "" {
		channel = "global"
	}
	return s.Bridge.SendChat(ctx, protocol.ChatPayload{Speaker: speaker, Listener: listener, Channel: channel, Utterance: utterance})
}

// Persist enqueues the utterance into the conversation transcript.
func (s StoreSink) Persist(ctx context.Context, speaker, listener, contextTag, utterance string) error {
	if s.Writer != nil {
		s.Writer.AppendConversation(memory.Conversation{
			SpeakerIdentity:  speaker,
			ListenerIdentity: listener,
			Text:             utterance,
		})
	}
	return nil
}
