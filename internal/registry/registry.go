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

// Package registry maps (kind, name) pairs to handlers. Registration
// normally happens at startup; lookups are concurrent.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

// Handler executes a unit of work. Handlers may block; executors decide the
// scheduling model.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Info describes a registered handler.
type Info struct {
	Kind        work.Kind `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

type entry struct {
	handler Handler
	info    Info
}

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Option customizes a registration.
type Option func(*Info)

// WithDescription attaches a human-readable description.
func WithDescription(desc string) Option {
	return func(i *Info) { i.Description = desc }
}

// WithTags attaches searchable tags.
func WithTags(tags ...string) Option {
	return func(i *Info) { i.Tags = tags }
}

func key(kind work.Kind, name string) string {
	return string(kind) + "/" + name
}

// Register adds a handler. Registering the same (kind, name) twice fails.
func (r *Registry) Register(kind work.Kind, name string, h Handler, opts ...Option) error {
	if !work.ValidKind(kind) {
		return &spineerrors.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}
	}
	if name == "" {
		return &spineerrors.ValidationError{Field: "name", Message: "handler name is required"}
	}
	if h == nil {
		return &spineerrors.ValidationError{Field: "handler", Message: "handler is required"}
	}

	info := Info{Kind: kind, Name: name}
	for _, opt := range opts {
		opt(&info)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(kind, name)
	if _, exists := r.entries[k]; exists {
		return &spineerrors.ConflictError{Resource: "handler", ID: k, Reason: "handler already registered"}
	}
	r.entries[k] = entry{handler: h, info: info}
	return nil
}

// Get resolves a handler or returns a not-found error.
func (r *Registry) Get(kind work.Kind, name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(kind, name)]
	if !ok {
		return nil, &spineerrors.NotFoundError{Resource: "handler", ID: key(kind, name)}
	}
	return e.handler, nil
}

// Has reports whether a handler is registered.
func (r *Registry) Has(kind work.Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key(kind, name)]
	return ok
}

// ListWithMetadata returns every registration sorted by kind then name.
func (r *Registry) ListWithMetadata() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Kind != infos[j].Kind {
			return infos[i].Kind < infos[j].Kind
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Unregister removes a handler. Mostly useful in tests.
func (r *Registry) Unregister(kind work.Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key(kind, name))
}
