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

// Package featureflags provides runtime feature flag management for Spine.
// Flags are loaded from SPINE_FF_* environment variables: SPINE_FF_FOO_BAR=1
// sets the flag "foo_bar".
package featureflags

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

const envPrefix = "SPINE_FF_"

// Flags holds feature flag overrides with thread-safe access.
type Flags struct {
	mu     sync.RWMutex
	values map[string]bool
}

var (
	// globalFlags is the singleton instance of feature flags
	globalFlags *Flags
	once        sync.Once
)

// Get returns the global feature flags instance.
func Get() *Flags {
	once.Do(func() {
		globalFlags = New()
		globalFlags.loadFromEnv(os.Environ())
	})
	return globalFlags
}

// New creates an empty flag set. Callers that want explicit dependencies
// construct their own and pass it down; Get() is the process-wide default.
func New() *Flags {
	return &Flags{values: make(map[string]bool)}
}

// loadFromEnv loads feature flags from SPINE_FF_* environment entries.
func (f *Flags) loadFromEnv(environ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, entry := range environ {
		if !strings.HasPrefix(entry, envPrefix) {
			continue
		}
		key, value, found := strings.Cut(entry[len(envPrefix):], "=")
		if !found || key == "" {
			continue
		}
		f.values[strings.ToLower(key)] = parseBool(value)
	}
}

// Enabled reports whether the named flag is set. Unknown flags are false.
func (f *Flags) Enabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values[strings.ToLower(name)]
}

// Set sets a flag value (for testing).
func (f *Flags) Set(name string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[strings.ToLower(name)] = enabled
}

// List returns a snapshot of all known flags.
func (f *Flags) List() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]bool, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// parseBool converts a string to a boolean value.
// Accepts: "1", "t", "T", "true", "TRUE", "True"
func parseBool(val string) bool {
	val = strings.TrimSpace(val)
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return false
}
