package dialogue

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeOracle struct {
	reply string
	err   error
}

func (o fakeOracle) Generate(ctx context.Context, prompt string) (string, error) {
	return o.reply, o.err
}

type fakeTemplates struct {
	templates map[string]string
}

func (t fakeTemplates) TemplateFor(tag string) (string, bool) {
	v, ok := t.templates[tag]
	return v, ok
}

type fakeSink struct {
	mu        sync.Mutex
	published []string
	persisted []string
}

func (s *fakeSink) Publish(ctx context.Context, speaker, listener, utterance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, utterance)
	return nil
}
func (s *fakeSink) Persist(ctx context.Context, speaker, listener, contextTag, utterance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, utterance)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func TestEnqueueAlwaysAcceptsHighPriority(t *testing.T) {
	p := New(fakeOracle{reply: "hi"}, nil, &fakeSink{}, 10)
	p.Enqueue(Request{Speaker: "a", Priority: PriorityDirectMention})
	if len(p.queue) != 1 {
		t.Fatalf("expected request to be queued, got %d", len(p.queue))
	}
}

func TestQueueOverflowDropsLowestPriority(t *testing.T) {
	p := New(fakeOracle{reply: "hi"}, nil, &fakeSink{}, 2)
	p.Enqueue(Request{Speaker: "a", Priority: PriorityAmbient + 1})
	p.Enqueue(Request{Speaker: "b", Priority: PriorityDirectMention})
	p.Enqueue(Request{Speaker: "c", Priority: PriorityGreeting})

	if len(p.queue) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(p.queue))
	}
	for _, req := range p.queue {
		if req.Speaker == "a" {
			t.Fatalf("expected lowest-priority request to have been dropped")
		}
	}
}

func TestSanitizeStripsMarkersAndTruncates(t *testing.T) {
	got := sanitize("<|system|>You are helpful. Hello there! How are you? Extra sentence.")
	if got != "Hello there! How are you?" {
		t.Fatalf("unexpected sanitize result: %q", got)
	}
}

func TestProcessFallsBackToTemplateOnOracleFailure(t *testing.T) {
	sink := &fakeSink{}
	p := New(fakeOracle{err: context.DeadlineExceeded}, fakeTemplates{templates: map[string]string{"greeting": "Hello!"}}, sink, 10)
	p.RateLimiter = rate.NewLimiter(rate.Inf, 100)

	p.process(context.Background(), &Request{Speaker: "a", ContextTag: "greeting"})

	if sink.count() != 1 {
		t.Fatalf("expected one published utterance via template fallback, got %d", sink.count())
	}
}

func TestProcessDropsExactDuplicate(t *testing.T) {
	sink := &fakeSink{}
	p := New(fakeOracle{reply: "same line."}, nil, sink, 10)
	p.RateLimiter = rate.NewLimiter(rate.Inf, 100)

	p.process(context.Background(), &Request{Speaker: "a"})
	p.process(context.Background(), &Request{Speaker: "a"})

	if sink.count() != 1 {
		t.Fatalf("expected duplicate utterance to be dropped, got %d publishes", sink.count())
	}
}

func TestPopEligibleHonorsCooldown(t *testing.T) {
	p := New(fakeOracle{reply: "hi"}, nil, &fakeSink{}, 10)
	p.Cooldowns.Global = time.Hour
	p.Enqueue(Request{Speaker: "a", Priority: PriorityGreeting})

	first, ok := p.popEligible()
	if !ok || first.Speaker != "a" {
		t.Fatalf("expected first pop to succeed")
	}
	p.mu.Lock()
	p.lastSpeak[cooldownKey("a", ChannelGlobal)] = time.Now()
	p.mu.Unlock()

	p.Enqueue(Request{Speaker: "a", Priority: PriorityGreeting})
	_, ok = p.popEligible()
	if ok {
		t.Fatalf("expected speaker still in cooldown to be held back")
	}
}
