package hub

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter batches bursts of output lines per (session, stream) pair
// so a chatty child does not translate into one websocket frame per
// line.
type RateLimiter struct {
	mu       sync.Mutex
	pending  map[limiterKey]*pendingOutput
	interval time.Duration
	onFlush  func(msg OutputMessage)
}

type limiterKey struct {
	sessionID string
	stream    string
}

type pendingOutput struct {
	texts []string
	ts    int64
	timer *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(OutputMessage)) *RateLimiter {
	return &RateLimiter{
		pending:  make(map[limiterKey]*pendingOutput),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(msg OutputMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := limiterKey{sessionID: msg.SessionID, stream: msg.Stream}
	p, exists := r.pending[key]
	if !exists {
		p = &pendingOutput{}
		r.pending[key] = p
	}

	p.texts = append(p.texts, msg.Text)
	if msg.Ts > p.ts {
		p.ts = msg.Ts
	}

	if p.timer == nil {
		p.timer = time.AfterFunc(r.interval, func() {
			r.flush(key)
		})
	}
}

func (r *RateLimiter) flush(key limiterKey) {
	r.mu.Lock()
	p, exists := r.pending[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()

	if r.onFlush != nil && len(p.texts) > 0 {
		r.onFlush(OutputMessage{
			Type:      "output",
			SessionID: key.sessionID,
			Stream:    key.stream,
			Text:      strings.Join(p.texts, "\n"),
			Ts:        p.ts,
		})
	}
}

func (r *RateLimiter) FlushAll() {
	r.mu.Lock()
	keys := make([]limiterKey, 0, len(r.pending))
	for key := range r.pending {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.flush(key)
	}
}
