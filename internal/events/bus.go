// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events delivers run lifecycle events to subscribers. Delivery is
// asynchronous and best-effort: publishers never block, and a failing
// handler never affects other subscribers.
package events

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/pkg/work"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// defaultQueueSize bounds each subscriber's backlog. A subscriber that
// falls further behind loses events, with a warning per drop.
const defaultQueueSize = 256

// Handler consumes one event. A returned error is logged, never propagated.
type Handler func(evt work.Event) error

// Bus is the pub/sub surface. Publish is fire-and-forget.
type Bus interface {
	Publish(evt work.Event)
	Subscribe(pattern string, h Handler) (string, error)
	Unsubscribe(id string) bool
	Close() error
}

// Match reports whether a topic matches a subscription pattern. "*" matches
// everything; a trailing ".*" matches the prefix; anything else is exact.
func Match(pattern, topic string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return pattern == topic
}

type subscriber struct {
	id      string
	pattern string
	queue   chan work.Event
	done    chan struct{}
}

// InMemory is a single-process Bus. Each subscriber gets its own bounded
// queue and delivery goroutine, so ordering is FIFO per subscriber.
type InMemory struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	queueSize int
	closed    bool
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewInMemory creates an in-memory Bus. queueSize <= 0 uses the default.
func NewInMemory(queueSize int) *InMemory {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &InMemory{
		subs:      map[string]*subscriber{},
		queueSize: queueSize,
		logger:    log.WithComponent(slog.Default(), "event-bus"),
	}
}

// Publish enqueues the event for every matching subscriber. A full queue
// drops the event for that subscriber.
func (b *InMemory) Publish(evt work.Event) {
	topic := evt.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !Match(sub.pattern, topic) {
			continue
		}
		select {
		case sub.queue <- evt:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				slog.String("subscription", sub.id),
				slog.String("topic", topic),
				slog.String(log.EventKey, string(evt.Type)))
		}
	}
}

// Subscribe registers a handler for topics matching the pattern.
func (b *InMemory) Subscribe(pattern string, h Handler) (string, error) {
	sub := &subscriber{
		id:      uuid.NewString(),
		pattern: pattern,
		queue:   make(chan work.Event, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub, h)
	return sub.id, nil
}

// deliver drains one subscriber's queue in order.
func (b *InMemory) deliver(sub *subscriber, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.queue:
			b.handle(sub, h, evt)
		}
	}
}

func (b *InMemory) handle(sub *subscriber, h Handler, evt work.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("subscription", sub.id),
				slog.Any("panic", r))
		}
	}()
	if err := h(evt); err != nil {
		b.logger.Warn("event handler failed",
			slog.String("subscription", sub.id),
			slog.String(log.EventKey, string(evt.Type)),
			log.Error(err))
	}
}

// Unsubscribe removes a subscription. Returns false for an unknown id.
func (b *InMemory) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
	}
	return ok
}

// Close stops delivery and waits for the delivery goroutines to exit.
// Queued but undelivered events are discarded.
func (b *InMemory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
	return nil
}
