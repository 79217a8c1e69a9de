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

package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/spinehq/spine/internal/log"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the handler.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes the per-key circuit breakers.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// Window resets failure counts in the closed state.
	Window time.Duration
}

// DefaultBreakerConfig mirrors the usual production tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Window:           60 * time.Second,
	}
}

// Breakers is a registry of circuit breakers keyed by operation name. Keys
// are created lazily with a shared config.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakers creates a breaker registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		cfg:      cfg,
		breakers: map[string]*gobreaker.CircuitBreaker{},
		logger:   log.WithComponent(slog.Default(), "breaker"),
	}
}

func (b *Breakers) get(key string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[key]; ok {
		return cb
	}

	threshold := uint32(b.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     key,
		Interval: b.cfg.Window,
		Timeout:  b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit state changed",
				slog.String("key", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	b.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for key. An open circuit returns
// ErrCircuitOpen without invoking fn.
func (b *Breakers) Execute(key string, fn func() (any, error)) (any, error) {
	out, err := b.get(key).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return out, err
}

// State reports the breaker state for key: "closed", "open" or "half-open".
func (b *Breakers) State(key string) string {
	return b.get(key).State().String()
}
