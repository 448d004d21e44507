// Package batch accumulates per-target messages and flushes them together
// once a size, payload, or time trigger fires, instead of delivering each
// one as it arrives.
package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/messagegateway/gateway/internal/v1/metrics"
)

// Config bounds a single target's batch.
type Config struct {
	MaxSize     int
	MaxDelay    time.Duration
	MaxPayload  int
}

// OnBatchReady is invoked with every message queued for one target once a
// trigger fires. A non-nil return re-queues the batch at the front of the
// target's queue for the next flush attempt.
type OnBatchReady func(target string, messages []any) error

type targetQueue struct {
	mu          sync.Mutex
	messages    []any
	bytes       int
	firstQueued time.Time
	processing  bool
	timer       *time.Timer
}

// Batcher owns one queue per target.
type Batcher struct {
	cfg      Config
	onReady  OnBatchReady
	mu       sync.Mutex
	targets  map[string]*targetQueue
}

// New builds a Batcher. onReady is called synchronously from whichever
// goroutine triggers the flush (a caller's Add call or the per-target
// delay timer).
func New(cfg Config, onReady OnBatchReady) *Batcher {
	return &Batcher{
		cfg:     cfg,
		onReady: onReady,
		targets: make(map[string]*targetQueue),
	}
}

func (b *Batcher) queueFor(target string) *targetQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.targets[target]
	if !ok {
		q = &targetQueue{}
		b.targets[target] = q
	}
	return q
}

// Add queues message for target, triggering an immediate flush if the
// size threshold is crossed. If appending message would bring the target's
// serialized payload to its limit, the existing batch is flushed first
// (without message), which then becomes the first entry of the next batch,
// so a flushed batch of more than one message stays under maxPayloadBytes.
// A single message that alone reaches the limit is flushed on its own
// straight away.
func (b *Batcher) Add(target string, message any) {
	q := b.queueFor(target)

	size := estimateSize(message)

	q.mu.Lock()
	wouldCross := b.cfg.MaxPayload > 0 && len(q.messages) > 0 && q.bytes+size >= b.cfg.MaxPayload
	q.mu.Unlock()

	if wouldCross {
		b.flush(target)
	}

	q.mu.Lock()
	if len(q.messages) == 0 {
		q.firstQueued = time.Now()
		q.timer = time.AfterFunc(b.cfg.MaxDelay, func() { b.flush(target) })
	}
	q.messages = append(q.messages, message)
	q.bytes += size

	trigger := len(q.messages) >= b.cfg.MaxSize || (b.cfg.MaxPayload > 0 && q.bytes >= b.cfg.MaxPayload)
	q.mu.Unlock()

	if trigger {
		b.flush(target)
	}
}

func estimateSize(message any) int {
	body, err := json.Marshal(message)
	if err != nil {
		return 0
	}
	return len(body)
}

func (b *Batcher) flush(target string) {
	q := b.queueFor(target)

	q.mu.Lock()
	if q.processing || len(q.messages) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	batch := q.messages
	q.messages = nil
	q.bytes = 0
	q.mu.Unlock()

	reason := "size"
	if time.Since(q.firstQueued) >= b.cfg.MaxDelay {
		reason = "delay"
	}

	err := b.onReady(target, batch)

	q.mu.Lock()
	q.processing = false
	if err != nil {
		q.messages = append(batch, q.messages...)
		q.bytes = 0
		for _, m := range q.messages {
			q.bytes += estimateSize(m)
		}
		q.firstQueued = time.Now()
		if q.timer == nil {
			q.timer = time.AfterFunc(b.cfg.MaxDelay, func() { b.flush(target) })
		}
	}
	pending := len(q.messages)
	q.mu.Unlock()

	metrics.BatchesFlushed.WithLabelValues(reason).Inc()
	metrics.BatchSize.Observe(float64(len(batch)))

	if err == nil && pending > 0 {
		b.flush(target)
	}
}

// FlushAll immediately flushes every target with a non-empty queue.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	targets := make([]string, 0, len(b.targets))
	for t := range b.targets {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.flush(t)
	}
}
