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

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/pkg/work"
)

// channelPrefix namespaces the bus within a shared Redis.
const channelPrefix = "spine:events:"

// Redis is a multi-process Bus over Redis pub/sub. Events are JSON on
// channels named by topic; subscription patterns translate directly to
// Redis glob patterns.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedis creates a Redis-backed Bus. The caller owns the client's
// lifecycle; Close only tears down subscriptions.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		subs:   map[string]*redis.PubSub{},
		logger: log.WithComponent(slog.Default(), "event-bus-redis"),
	}
}

// Publish sends the event without waiting for delivery.
func (b *Redis) Publish(evt work.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to marshal event", log.Error(err))
		return
	}
	channel := channelPrefix + evt.Topic()
	go func() {
		if err := b.client.Publish(context.Background(), channel, payload).Err(); err != nil {
			b.logger.Warn("failed to publish event",
				slog.String("channel", channel), log.Error(err))
		}
	}()
}

// Subscribe registers a handler via Redis PSUBSCRIBE.
func (b *Redis) Subscribe(pattern string, h Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}

	if pattern == "" {
		pattern = "*"
	}
	pubsub := b.client.PSubscribe(context.Background(), channelPrefix+pattern)
	id := uuid.NewString()
	b.subs[id] = pubsub

	b.wg.Add(1)
	go b.deliver(id, pubsub, h)
	return id, nil
}

func (b *Redis) deliver(id string, pubsub *redis.PubSub, h Handler) {
	defer b.wg.Done()
	for msg := range pubsub.Channel() {
		var evt work.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.Warn("failed to decode event",
				slog.String("channel", msg.Channel), log.Error(err))
			continue
		}
		b.handle(id, h, evt)
	}
}

func (b *Redis) handle(id string, h Handler, evt work.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("subscription", id),
				slog.Any("panic", r))
		}
	}()
	if err := h(evt); err != nil {
		b.logger.Warn("event handler failed",
			slog.String("subscription", id),
			slog.String(log.EventKey, string(evt.Type)),
			log.Error(err))
	}
}

// Unsubscribe closes one subscription.
func (b *Redis) Unsubscribe(id string) bool {
	b.mu.Lock()
	pubsub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("failed to close subscription", log.Error(err))
		}
	}
	return ok
}

// Close tears down every subscription and waits for delivery to stop.
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*redis.PubSub{}
	b.mu.Unlock()

	for _, pubsub := range subs {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("failed to close subscription", log.Error(err))
		}
	}
	b.wg.Wait()
	return nil
}
