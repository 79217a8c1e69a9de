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

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spinehq/spine/internal/ledger"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

// runtimeMetadataKey selects the remote adapter for a spec.
const runtimeMetadataKey = "runtime"

// Adapter submits work to an external runtime (container scheduler, batch
// system). Implementations own the protocol; the router owns selection and
// pre-submit validation.
type Adapter interface {
	Name() string
	// Capabilities lists the work kinds the adapter accepts.
	Capabilities() []work.Kind
	Submit(ctx context.Context, rec *work.Record) (externalRef string, err error)
	Cancel(ctx context.Context, externalRef string) bool
	Status(ctx context.Context, externalRef string) *work.Status
}

// Limits caps what a single remote submission may request.
type Limits struct {
	// MaxParamBytes bounds the serialized params size. Zero means no cap.
	MaxParamBytes int
	// AllowedKinds restricts submittable kinds. Empty means all.
	AllowedKinds []work.Kind
}

// Router picks an adapter per spec and validates before submission. The
// adapter is chosen by the spec's "runtime" metadata, falling back to the
// configured default.
type Router struct {
	store          *ledger.Store
	limits         Limits
	defaultAdapter string

	mu       sync.RWMutex
	adapters map[string]Adapter
	// refs remembers which adapter produced each external ref.
	refs map[string]string
}

// NewRouter creates a Router.
func NewRouter(store *ledger.Store, limits Limits, defaultAdapter string) *Router {
	return &Router{
		store:          store,
		limits:         limits,
		defaultAdapter: defaultAdapter,
		adapters:       map[string]Adapter{},
		refs:           map[string]string{},
	}
}

func (r *Router) Name() string { return "remote" }

// RegisterAdapter adds an adapter. Duplicate names fail.
func (r *Router) RegisterAdapter(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return &spineerrors.ConflictError{Resource: "adapter", ID: a.Name(), Reason: "adapter already registered"}
	}
	r.adapters[a.Name()] = a
	return nil
}

// Submit validates the spec, routes it to an adapter and records the
// external ref on the run.
func (r *Router) Submit(ctx context.Context, rec *work.Record) (string, error) {
	adapter, err := r.pick(rec)
	if err != nil {
		return "", err
	}
	if err := r.validate(adapter, rec); err != nil {
		return "", err
	}

	if err := r.store.UpdateStatus(ctx, rec.RunID, work.StatusQueued, nil, nil); err != nil {
		return "", err
	}

	ref, err := adapter.Submit(ctx, rec)
	if err != nil {
		return "", err
	}
	if err := r.store.SetExternalRef(ctx, rec.RunID, ref); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.refs[ref] = adapter.Name()
	r.mu.Unlock()
	return ref, nil
}

func paramBytes(params map[string]any) int {
	b, err := json.Marshal(params)
	if err != nil {
		return 0
	}
	return len(b)
}

// Cancel forwards to the adapter that produced the ref.
func (r *Router) Cancel(ctx context.Context, externalRef string) bool {
	if a := r.adapterForRef(externalRef); a != nil {
		return a.Cancel(ctx, externalRef)
	}
	return false
}

// Status forwards to the adapter that produced the ref.
func (r *Router) Status(ctx context.Context, externalRef string) *work.Status {
	if a := r.adapterForRef(externalRef); a != nil {
		return a.Status(ctx, externalRef)
	}
	return nil
}

func (r *Router) adapterForRef(ref string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.refs[ref]
	if !ok {
		return nil
	}
	return r.adapters[name]
}

// pick resolves the adapter from spec metadata or the default.
func (r *Router) pick(rec *work.Record) (Adapter, error) {
	name := r.defaultAdapter
	if v, ok := rec.Spec.Metadata[runtimeMetadataKey]; ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, &spineerrors.ValidationError{Field: runtimeMetadataKey, Message: "runtime metadata must be a string"}
		}
		name = s
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, &spineerrors.NotFoundError{Resource: "adapter", ID: name}
	}
	return a, nil
}

// validate enforces capability and limit checks before any remote call.
func (r *Router) validate(a Adapter, rec *work.Record) error {
	kindAllowed := func(kinds []work.Kind) bool {
		for _, k := range kinds {
			if k == rec.Spec.Kind {
				return true
			}
		}
		return false
	}

	if !kindAllowed(a.Capabilities()) {
		return &spineerrors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("adapter %q does not accept kind %q", a.Name(), rec.Spec.Kind),
		}
	}
	if len(r.limits.AllowedKinds) > 0 && !kindAllowed(r.limits.AllowedKinds) {
		return &spineerrors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("kind %q is not allowed for remote submission", rec.Spec.Kind),
		}
	}
	if r.limits.MaxParamBytes > 0 && rec.Spec.Params != nil {
		if n := paramBytes(rec.Spec.Params); n > r.limits.MaxParamBytes {
			return &spineerrors.ValidationError{
				Field:   "params",
				Message: fmt.Sprintf("params size %d exceeds limit %d", n, r.limits.MaxParamBytes),
			}
		}
	}
	return nil
}
