// Package dialogue runs a single serial worker that turns enqueued
// utterance requests into short, sanitized chat lines: cooldown-gated,
// rate-limited, deduplicated, and generated by a pluggable text-in/
// text-out oracle with a deterministic template fallback. Modeled on
// the provider abstraction the rest of the corpus uses for LLM calls,
// collapsed to the minimal surface a one-shot utterance needs.
package dialogue

import (
	"container/heap"
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/npcbrain/internal/telemetry"
)

var tracer = telemetry.Tracer("npcbrain/dialogue")

// rngSource backs the ambient-response coin flip. rand.Rand is not
// concurrency-safe on its own, so every read goes through rngMu.
var rngSource = rand.New(rand.NewSource(1))
var rngMu sync.Mutex

// Priority tiers from the component design.
const (
	PriorityDirectMention = 10
	PriorityNameOnly      = 5
	PriorityGreeting      = 3
	PriorityAmbient       = 1
)

// Channel names the cooldown a request is gated on.
type Channel string

const (
	ChannelGlobal  Channel = "global"
	ChannelWhisper Channel = "whisper"
	ChannelLocal   Channel = "local"
)

// Oracle is the pluggable generator: text in, text out. The language
// model backend itself is an external collaborator; this is the only
// interface the pipeline needs from it.
type Oracle interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TemplateSource supplies the deterministic fallback when the oracle
// fails or times out, keyed by context tag.
type TemplateSource interface {
	TemplateFor(contextTag string) (string, bool)
}

// Sink is where a finished utterance goes: the external chat bus and the
// Memory Store's conversation log.
type Sink interface {
	Publish(ctx context.Context, speaker, listener, utterance string) error
	Persist(ctx context.Context, speaker, listener, contextTag, utterance string) error
}

// Request is one enqueue() call.
type Request struct {
	Speaker    string
	Listener   string
	ContextTag string
	Channel    Channel
	Priority   int
	EnqueuedAt time.Time
	Prompt     string
}

// CooldownConfig holds the per-channel cooldown durations.
type CooldownConfig struct {
	Global  time.Duration
	Whisper time.Duration
	Local   time.Duration
}

// DefaultCooldowns matches the documented defaults.
func DefaultCooldowns() CooldownConfig {
	return CooldownConfig{Global: 5 * time.Second, Whisper: 2 * time.Second, Local: 3 * time.Second}
}

func (c CooldownConfig) forChannel(ch Channel) time.Duration {
	switch ch {
	case ChannelWhisper:
		return c.Whisper
	case ChannelLocal:
		return c.Local
	default:
		return c.Global
	}
}

// requestHeap is a max-heap on Priority, FIFO within equal priority.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h requestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x interface{}) { *h = append(*h, x.(*Request)) }
func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pipeline is the bounded-queue dialogue worker. One background
// goroutine (Run) drains the queue strictly serially, since the
// generator oracle is not assumed thread-safe.
type Pipeline struct {
	mu       sync.Mutex
	queue    requestHeap
	maxQueue int

	lastSpeak map[string]time.Time // speaker -> last utterance time, per channel key
	recent    map[string][]string  // speaker -> last N utterances, newest last

	Oracle        Oracle
	Templates     TemplateSource
	Sink          Sink
	Cooldowns     CooldownConfig
	DedupWindow   int
	RateLimiter   *rate.Limiter
	OracleTimeout time.Duration
	AmbientProbability float64

	rng func() float64
}

// New constructs a pipeline with the documented defaults: a 30/min
// global rate ceiling (burst 30, refilled continuously), a dedup window
// of the last 50 utterances per speaker, and a bounded queue.
func New(oracle Oracle, templates TemplateSource, sink Sink, maxQueue int) *Pipeline {
	if maxQueue <= 0 {
		maxQueue = 500
	}
	return &Pipeline{
		maxQueue:           maxQueue,
		lastSpeak:          make(map[string]time.Time),
		recent:             make(map[string][]string),
		Oracle:             oracle,
		Templates:          templates,
		Sink:               sink,
		Cooldowns:          DefaultCooldowns(),
		DedupWindow:        50,
		RateLimiter:        rate.NewLimiter(rate.Every(2*time.Second), 30),
		OracleTimeout:      3 * time.Second,
		AmbientProbability: 0.15,
		rng:                defaultRand,
	}
}

// Enqueue returns immediately. If the queue is at capacity, the
// lowest-priority pending item is dropped to make room. Ambient
// (agent-to-agent, unprompted) requests are gated by AmbientProbability
// here rather than downstream, so a loop of ambient chatter can't even
// reach the queue.
func (p *Pipeline) Enqueue(req Request) {
	if req.Priority == PriorityAmbient && p.rng() >= p.AmbientProbability {
		return
	}
	req.EnqueuedAt = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	heap.Push(&p.queue, &req)
	for len(p.queue) > p.maxQueue {
		p.dropLowestPriorityLocked()
	}
}

func (p *Pipeline) dropLowestPriorityLocked() {
	worstIdx := 0
	for i := 1; i < len(p.queue); i++ {
		if p.queue[i].Priority < p.queue[worstIdx].Priority {
			worstIdx = i
		}
	}
	heap.Remove(&p.queue, worstIdx)
}

// Run drains the queue serially until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, ok := p.popEligible()
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		p.process(ctx, req)
	}
}

// popEligible pops the highest-priority request whose speaker is past
// cooldown on its channel, or ok=false if nothing is currently eligible.
func (p *Pipeline) popEligible() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var held []*Request
	var chosen *Request
	for len(p.queue) > 0 {
		candidate := heap.Pop(&p.queue).(*Request)
		key := cooldownKey(candidate.Speaker, candidate.Channel)
		if last, ok := p.lastSpeak[key]; ok {
			if time.Since(last) < p.Cooldowns.forChannel(candidate.Channel) {
				held = append(held, candidate)
				continue
			}
		}
		chosen = candidate
		break
	}
	for _, h := range held {
		heap.Push(&p.queue, h)
	}
	return chosen, chosen != nil
}

func cooldownKey(speaker string, ch Channel) string {
	if ch == "" {
		ch = ChannelGlobal
	}
	return string(ch) + ":" + speaker
}

func (p *Pipeline) process(ctx context.Context, req *Request) {
	p.mu.Lock()
	p.lastSpeak[cooldownKey(req.Speaker, req.Channel)] = time.Now()
	p.mu.Unlock()

	if !p.RateLimiter.Allow() {
		// excess is deferred, not dropped: requeue and try again later.
		p.mu.Lock()
		heap.Push(&p.queue, req)
		p.mu.Unlock()
		time.Sleep(200 * time.Millisecond)
		return
	}

	utterance := p.generate(ctx, req)
	utterance = sanitize(utterance)
	if utterance == "" {
		return
	}

	if p.isDuplicate(req.Speaker, utterance) {
		return
	}
	p.recordRecent(req.Speaker, utterance)

	if p.Sink != nil {
		if err := p.Sink.Publish(ctx, req.Speaker, req.Listener, utterance); err != nil {
			slog.Warn("dialogue.publish_failed", "speaker", req.Speaker, "error", err)
		}
		if err := p.Sink.Persist(ctx, req.Speaker, req.Listener, req.ContextTag, utterance); err != nil {
			slog.Warn("dialogue.persist_failed", "speaker", req.Speaker, "error", err)
		}
	}
}

func (p *Pipeline) generate(ctx context.Context, req *Request) string {
	ctx, span := tracer.Start(ctx, "generate", trace.WithAttributes(
		attribute.String("speaker", req.Speaker),
		attribute.String("context_tag", req.ContextTag),
	))
	defer span.End()

	if p.Oracle != nil {
		genCtx, cancel := context.WithTimeout(ctx, p.OracleTimeout)
		defer cancel()
		out, err := p.Oracle.Generate(genCtx, req.Prompt)
		if err == nil && strings.TrimSpace(out) != "" {
			return out
		}
		slog.Warn("dialogue.oracle_failed_falling_back_to_template", "speaker", req.Speaker, "error", err)
	}
	if p.Templates != nil {
		if tmpl, ok := p.Templates.TemplateFor(req.ContextTag); ok {
			return tmpl
		}
	}
	return ""
}

func (p *Pipeline) isDuplicate(speaker, utterance string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.recent[speaker] {
		if u == utterance {
			return true
		}
	}
	return false
}

func (p *Pipeline) recordRecent(speaker, utterance string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := append(p.recent[speaker], utterance)
	if len(list) > p.DedupWindow {
		list = list[len(list)-p.DedupWindow:]
	}
	p.recent[speaker] = list
}

// sanitize strips chat-template markers and leaked system-prompt
// fragments, then truncates to roughly 1-2 sentences.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	// A <|system|> marker introduces a leaked system prompt: drop it with
	// the text it introduces, up to the next template marker or, when no
	// marker follows, through the end of its first sentence.
	if i := strings.Index(s, "<|system|>"); i >= 0 {
		rest := s[i+len("<|system|>"):]
		end := len(rest)
		if j := strings.Index(rest, "<|"); j >= 0 {
			end = j
		} else if j := strings.IndexAny(rest, ".!?"); j >= 0 {
			end = j + 1
		}
		s = s[:i] + rest[end:]
	}
	for _, marker := range []string{"<|system|>", "<|user|>", "<|assistant|>", "[INST]", "[/INST]"} {
		s = strings.ReplaceAll(s, marker, "")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	sentenceEnds := []rune{'.', '!', '?'}
	count := 0
	cut := len(s)
	for i, r := range s {
		for _, e := range sentenceEnds {
			if r == e {
				count++
				if count == 2 {
					cut = i + 1
				}
			}
		}
		if count >= 2 {
			break
		}
	}
	return strings.TrimSpace(s[:cut])
}

func defaultRand() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rngSource.Float64()
}
