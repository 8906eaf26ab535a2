package dialogue

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/npcbrain/internal/memory"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

type fakeTemplateStore struct {
	memory.Store
	templates []memory.PromptTemplate
}

func (f *fakeTemplateStore) PromptTemplates(ctx context.Context, contextTag string) []memory.PromptTemplate {
	return f.templates
}

func TestStoreTemplatesReturnsFirstMatch(t *testing.T) {
	ts := StoreTemplates{Store: &fakeTemplateStore{templates: []memory.PromptTemplate{{ContextTag: "greet", Template: "hello"}}}}
	tmpl, ok := ts.TemplateFor("greet")
	if !ok || tmpl != "hello" {
		t.Fatalf("expected hello template, got %q ok=%v", tmpl, ok)
	}
}

func TestStoreTemplatesEmptyLibrary(t *testing.T) {
	ts := StoreTemplates{Store: &fakeTemplateStore{}}
	if _, ok := ts.TemplateFor("greet"); ok {
		t.Fatalf("expected no template")
	}
}

type fakeChatSender struct {
	sent []protocol.ChatPayload
}

func (f *fakeChatSender) SendChat(ctx context.Context, chat protocol.ChatPayload) error {
	f.sent = append(f.sent, chat)
	return nil
}

func TestStoreSinkPublishDefaultsChannel(t *testing.T) {
	sender := &fakeChatSender{}
	sink := StoreSink{Bridge: sender}
	if err := sink.Publish(context.Background(), "agent-1", "player-1", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Channel != "global" {
		t.Fatalf("expected default global channel, got %+v", sender.sent)
	}
}
