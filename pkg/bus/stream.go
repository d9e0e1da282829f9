// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package bus

import (
	"sync"
	"time"
)

// StreamNotifier accumulates text deltas during a streaming LLM turn and
// flushes the accumulated text to a callback whenever either threshold is
// crossed: enough new bytes have arrived, or enough time has passed since
// the last flush. This bounds both update latency and update frequency
// regardless of how the provider chunks its deltas.
type StreamNotifier struct {
	mu         sync.Mutex
	text       string
	flushedLen int
	onUpdate   func(fullText string)
	byteThresh int
	timeThresh time.Duration
	timer      *time.Timer
	done       chan struct{}
	stopOnce   sync.Once
}

// NewStreamNotifier creates a notifier that calls onUpdate with the full
// accumulated text whenever byteThreshold new bytes have accumulated or
// timeThreshold has elapsed since the last flush, whichever comes first.
func NewStreamNotifier(byteThreshold int, timeThreshold time.Duration, onUpdate func(fullText string)) *StreamNotifier {
	return &StreamNotifier{
		onUpdate:   onUpdate,
		byteThresh: byteThreshold,
		timeThresh: timeThreshold,
		done:       make(chan struct{}),
	}
}

// Append adds a text delta to the accumulator, flushing immediately if the
// byte threshold is crossed. Otherwise it arms (or leaves armed) a timer so
// the time threshold fires even if no further deltas arrive.
func (sn *StreamNotifier) Append(delta string) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	sn.text += delta
	pending := len(sn.text) - sn.flushedLen
	if pending >= sn.byteThresh {
		sn.emitLocked()
		return
	}
	if sn.timer == nil {
		sn.timer = time.AfterFunc(sn.timeThresh, sn.onTimer)
	}
}

func (sn *StreamNotifier) onTimer() {
	select {
	case <-sn.done:
		return
	default:
	}
	sn.mu.Lock()
	sn.timer = nil
	if len(sn.text) > sn.flushedLen {
		sn.emitLocked()
	}
	sn.mu.Unlock()
}

// emitLocked disarms any pending timer and calls onUpdate with the current
// text. mu must be held; onUpdate itself runs with the lock released so a
// slow sink can't stall Append.
func (sn *StreamNotifier) emitLocked() {
	if sn.timer != nil {
		sn.timer.Stop()
		sn.timer = nil
	}
	text := sn.text
	sn.flushedLen = len(text)
	sn.mu.Unlock()
	sn.onUpdate(text)
	sn.mu.Lock()
}

// Flush stops the timer and performs a final push if there's unflushed
// content. Safe to call once, at the end of a streaming turn.
func (sn *StreamNotifier) Flush() {
	sn.stopOnce.Do(func() { close(sn.done) })

	sn.mu.Lock()
	defer sn.mu.Unlock()

	if sn.timer != nil {
		sn.timer.Stop()
		sn.timer = nil
	}
	if len(sn.text) > sn.flushedLen {
		sn.emitLocked()
	}
}

// FullText returns the current accumulated text.
func (sn *StreamNotifier) FullText() string {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.text
}
