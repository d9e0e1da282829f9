// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package bus is the in-process pub/sub between channel adapters and the
// orchestrator: one bounded inbound queue, and one bounded outbound queue per
// registered sink, each drained by its own dispatcher goroutine so per-sink
// ordering is preserved. Publishing never drops a message on a full queue; it blocks,
// applying backpressure to the producer instead.
package bus

import (
	"context"
	"sync"

	"github.com/sipeed/picoclaw/pkg/logger"
)

const (
	defaultInboundBuffer = 256
	defaultSinkBuffer    = 64
)

// SinkFunc delivers one outbound message to a registered transport. It
// should not block longer than the transport's own send timeout; the
// dispatcher serializes calls per sink but different sinks run concurrently.
type SinkFunc func(OutboundMessage) error

// MessageBus is the single in-process router shared by every channel
// adapter and the orchestrator.
type MessageBus struct {
	inbound chan InboundMessage

	mu      sync.RWMutex
	sinks   map[string]chan OutboundMessage
	handler map[string]SinkFunc
	wg      sync.WaitGroup
	closeCh chan struct{}
	closed  bool
}

// New creates a MessageBus with the given inbound queue depth (0 uses a
// sane default).
func New(inboundBuffer int) *MessageBus {
	if inboundBuffer <= 0 {
		inboundBuffer = defaultInboundBuffer
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, inboundBuffer),
		sinks:   make(map[string]chan OutboundMessage),
		handler: make(map[string]SinkFunc),
		closeCh: make(chan struct{}),
	}
}

// RegisterSink wires a named outbound sink (a channel adapter's Send method,
// typically) and starts its dispatch goroutine. Each sink gets its own
// bounded queue and its own goroutine, so per-sink ordering is preserved
// while different sinks make progress independently (spec: "cross-sink
// ordering is not guaranteed").
func (b *MessageBus) RegisterSink(name string, fn SinkFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sinks[name]; exists {
		return
	}
	q := make(chan OutboundMessage, defaultSinkBuffer)
	b.sinks[name] = q
	b.handler[name] = fn

	b.wg.Add(1)
	go b.dispatchSink(name, q, fn)
}

func (b *MessageBus) dispatchSink(name string, q chan OutboundMessage, fn SinkFunc) {
	defer b.wg.Done()
	for msg := range q {
		if err := fn(msg); err != nil {
			logger.WarnCF("bus", "sink delivery failed", map[string]interface{}{
				"sink":  name,
				"error": err.Error(),
			})
		}
	}
}

// PublishInbound enqueues msg for the orchestrator, blocking if the inbound
// queue is saturated rather than dropping it.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	case <-b.closeCh:
	}
}

// ConsumeInbound blocks until a message is available, ctx is cancelled, or
// the bus is stopped (in which case ok is false).
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-b.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound routes msg to the sink named by msg.Channel, blocking if
// that sink's queue is saturated. If no sink is registered for the channel,
// the message is logged and dropped (there is nothing to apply backpressure
// against).
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	q, ok := b.sinks[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		logger.WarnCF("bus", "no sink registered for channel", map[string]interface{}{
			"channel": msg.Channel,
		})
		return
	}

	select {
	case q <- msg:
	case <-b.closeCh:
	}
}

// Stop closes the inbound queue and every sink queue, then waits for all
// dispatcher goroutines to drain and exit.
func (b *MessageBus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closeCh)
	close(b.inbound)
	for _, q := range b.sinks {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Sinks returns the names of all currently registered sinks.
func (b *MessageBus) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.sinks))
	for name := range b.sinks {
		names = append(names, name)
	}
	return names
}

// HasSink reports whether a sink with the given name is registered.
func (b *MessageBus) HasSink(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sinks[name]
	return ok
}
