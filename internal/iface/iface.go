// Package iface implements the Interface Registry: a thread-safe,
// observable, multi-value pub/sub key-value store that lets packs publish
// and discover providers of any capability without the kernel fixing a
// closed vocabulary of "interface" names up front.
package iface

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rumikernel/internal/auditlog"
)

// GetStrategy selects which registered value(s) Get returns.
type GetStrategy string

const (
	StrategyFirst GetStrategy = "first"
	StrategyLast  GetStrategy = "last"
	StrategyAll   GetStrategy = "all"
)

// protectedKeys and protectedPrefixes name registry keys the kernel
// itself owns; a pack registering to one without meta["_system"] is
// logged (and, with RUMI_BLOCK_PROTECTED_KEYS set, rejected).
var protectedKeys = map[string]bool{
	"io.http.server":          true,
	"flow.hooks.before_step":  true,
	"flow.hooks.after_step":   true,
	"flow.error_handler":      true,
}

var protectedPrefixes = []string{"flow.construct.", "kernel:"}

func isProtectedKey(key string) bool {
	if protectedKeys[key] {
		return true
	}
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// ErrProtectedKey is returned by Register when a protected key is
// targeted without meta["_system"]=true and blocking is enabled.
type ErrProtectedKey struct{ Key string }

func (e *ErrProtectedKey) Error() string {
	return fmt.Sprintf("registration to protected key %q requires _system=true in meta", e.Key)
}

// Entry is one registered value with its metadata and registration time.
type Entry struct {
	Key   string
	Value any
	Meta  map[string]any
	TS    time.Time
}

// Observer is a registered callback for key/pattern change notifications.
type Observer struct {
	ID       string
	Callback func(key string, oldValue, newValue any)
}

// Registry is the thread-safe, multi-value interface registry.
type Registry struct {
	mu        sync.RWMutex
	store     map[string][]Entry
	observers map[string][]Observer
	audit     *auditlog.Log
	blockProtected bool
}

// New returns an empty Registry. blockProtected mirrors
// RUMI_BLOCK_PROTECTED_KEYS: when true, unauthorized writes to a
// protected key are rejected instead of merely logged.
func New(audit *auditlog.Log, blockProtected bool) *Registry {
	return &Registry{
		store:          make(map[string][]Entry),
		observers:      make(map[string][]Observer),
		audit:          audit,
		blockProtected: blockProtected,
	}
}

func (r *Registry) checkProtected(key string, meta map[string]any) (warn bool, err error) {
	if !isProtectedKey(key) || truthy(meta["_system"]) {
		return false, nil
	}
	source, _ := meta["_source_pack_id"].(string)
	if source == "" {
		source = "unknown"
	}
	if r.blockProtected {
		if r.audit != nil {
			_ = r.audit.Append(auditlog.Event{
				Type: auditlog.EventSecurity, Severity: "error",
				Reason: "protected_key_registration_blocked",
				Details: map[string]any{"key": key, "source_pack_id": source},
			})
		}
		return false, &ErrProtectedKey{Key: key}
	}
	return true, nil
}

func (r *Registry) emitProtectedWarning(key string, meta map[string]any) {
	source, _ := meta["_source_pack_id"].(string)
	if source == "" {
		source = "unknown"
	}
	if r.audit != nil {
		_ = r.audit.Append(auditlog.Event{
			Type: auditlog.EventSecurity, Severity: "warning",
			Reason: "protected_key_registration",
			Details: map[string]any{"key": key, "source_pack_id": source},
		})
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// Register appends value under key, returning ErrProtectedKey if key is
// protected and blocking is enabled.
func (r *Registry) Register(key string, value any, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	} else {
		cp := make(map[string]any, len(meta))
		for k, v := range meta {
			cp[k] = v
		}
		meta = cp
	}

	warn, err := r.checkProtected(key, meta)
	if err != nil {
		return err
	}

	entry := Entry{Key: key, Value: value, Meta: meta, TS: time.Now().UTC()}

	var oldValue any
	r.mu.Lock()
	items := r.store[key]
	if len(items) > 0 {
		oldValue = items[len(items)-1].Value
	}
	r.store[key] = append(items, entry)
	r.mu.Unlock()

	r.notifyObservers(key, oldValue, value)
	if warn {
		r.emitProtectedWarning(key, meta)
	}
	return nil
}

// RegisterIfAbsent registers value under key only if no valid (unexpired)
// entry currently exists, optionally expiring after ttl.
func (r *Registry) RegisterIfAbsent(key string, value any, meta map[string]any, ttl time.Duration) (bool, error) {
	if meta == nil {
		meta = map[string]any{}
	} else {
		cp := make(map[string]any, len(meta))
		for k, v := range meta {
			cp[k] = v
		}
		meta = cp
	}
	warn, err := r.checkProtected(key, meta)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	now := time.Now().UTC()
	hasValid := false
	for _, it := range r.store[key] {
		if exp, ok := it.Meta["_expires_at"].(time.Time); ok {
			if now.Before(exp) || now.Equal(exp) {
				hasValid = true
				break
			}
		} else {
			hasValid = true
			break
		}
	}
	if hasValid {
		r.mu.Unlock()
		return false, nil
	}
	if ttl > 0 {
		meta["_expires_at"] = now.Add(ttl)
		meta["_ttl"] = ttl.Seconds()
	}
	entry := Entry{Key: key, Value: value, Meta: meta, TS: now}
	r.store[key] = append(r.store[key], entry)
	r.mu.Unlock()

	r.notifyObservers(key, nil, value)
	if warn {
		r.emitProtectedWarning(key, meta)
	}
	return true, nil
}

// RegisterHandler registers a callable value with schema metadata
// attached, the convention the kernel's handler dispatch reads back.
func (r *Registry) RegisterHandler(key string, handler any, inputSchema, outputSchema map[string]any, meta map[string]any) error {
	merged := map[string]any{}
	for k, v := range meta {
		merged[k] = v
	}
	merged["_input_schema"] = inputSchema
	merged["_output_schema"] = outputSchema
	merged["_is_handler"] = true
	return r.Register(key, handler, merged)
}

// Get returns the value(s) registered under key per strategy. With
// StrategyAll, an absent key yields an empty (non-nil) slice.
func (r *Registry) Get(key string, strategy GetStrategy) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.store[key]
	if len(items) == 0 {
		if strategy == StrategyAll {
			return []any{}
		}
		return nil
	}
	switch strategy {
	case StrategyFirst:
		return items[0].Value
	case StrategyAll:
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it.Value
		}
		return out
	default:
		return items[len(items)-1].Value
	}
}

// GetByOwner returns the value registered under key whose meta identifies
// ownerPack (checked against owner_pack, pack_id, source,
// _source_pack_id, registered_by, in that order), falling back to the
// most recent entry if no match is found.
func (r *Registry) GetByOwner(key, ownerPack string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.store[key]
	if len(items) == 0 {
		return nil
	}
	for i := len(items) - 1; i >= 0; i-- {
		meta := items[i].Meta
		for _, field := range []string{"owner_pack", "pack_id", "source", "_source_pack_id", "registered_by"} {
			if v, _ := meta[field].(string); v == ownerPack && v != "" {
				return items[i].Value
			}
		}
	}
	return items[len(items)-1].Value
}

// GetSchema returns a handler's registered input/output schema.
func (r *Registry) GetSchema(key string) (map[string]any, map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.store[key]
	if len(items) == 0 {
		return nil, nil
	}
	meta := items[len(items)-1].Meta
	in, _ := meta["_input_schema"].(map[string]any)
	out, _ := meta["_output_schema"].(map[string]any)
	return in, out
}

// Observe registers callback for notifications on keyOrPattern (a
// fnmatch-style glob is supported via "*"). Returns an observer ID for
// Unobserve.
func (r *Registry) Observe(keyOrPattern string, callback func(key string, oldValue, newValue any), immediate bool) string {
	id := "obs_" + uuid.NewString()[:8]

	var currentValue any
	var hasCurrent bool
	r.mu.Lock()
	r.observers[keyOrPattern] = append(r.observers[keyOrPattern], Observer{ID: id, Callback: callback})
	if immediate {
		if items := r.store[keyOrPattern]; len(items) > 0 {
			currentValue = items[len(items)-1].Value
			hasCurrent = true
		}
	}
	r.mu.Unlock()

	if immediate && hasCurrent {
		func() {
			defer func() { recover() }()
			callback(keyOrPattern, nil, currentValue)
		}()
	}
	return id
}

// Unobserve removes a single observer by ID.
func (r *Registry) Unobserve(observerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pattern, observers := range r.observers {
		for i, obs := range observers {
			if obs.ID == observerID {
				r.observers[pattern] = append(observers[:i], observers[i+1:]...)
				if len(r.observers[pattern]) == 0 {
					delete(r.observers, pattern)
				}
				return true
			}
		}
	}
	return false
}

// UnobserveAll removes every observer matching pattern, or every observer
// at all if pattern is empty.
func (r *Registry) UnobserveAll(pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	if pattern == "" {
		for _, obs := range r.observers {
			count += len(obs)
		}
		r.observers = make(map[string][]Observer)
		return count
	}
	if obs, ok := r.observers[pattern]; ok {
		count = len(obs)
		delete(r.observers, pattern)
	}
	return count
}

func (r *Registry) notifyObservers(key string, oldValue, newValue any) {
	type target struct {
		callback func(string, any, any)
	}
	var toNotify []target

	r.mu.RLock()
	for pattern, observers := range r.observers {
		if matchesKey(key, pattern) {
			for _, obs := range observers {
				toNotify = append(toNotify, target{callback: obs.Callback})
			}
		}
	}
	r.mu.RUnlock()

	for _, t := range toNotify {
		func() {
			defer func() { recover() }()
			t.callback(key, oldValue, newValue)
		}()
	}
}

func matchesKey(key, pattern string) bool {
	if pattern == key {
		return true
	}
	if strings.Contains(pattern, "*") {
		ok, _ := path.Match(pattern, key)
		return ok
	}
	return false
}

// List enumerates registered keys. Without includeMeta it returns a
// key->count map; with it, a key->{count,last_ts,last_meta} map.
func (r *Registry) List(prefix string, includeMeta bool) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k := range r.store {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		items := r.store[k]
		if !includeMeta {
			out[k] = len(items)
			continue
		}
		var lastTS time.Time
		var lastMeta map[string]any
		if len(items) > 0 {
			lastTS = items[len(items)-1].TS
			lastMeta = items[len(items)-1].Meta
		}
		out[k] = map[string]any{
			"count":     len(items),
			"last_ts":   lastTS,
			"last_meta": lastMeta,
		}
	}
	return out
}

// Find returns every entry across all keys for which predicate returns
// true.
func (r *Registry) Find(predicate func(key string, entry Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var results []Entry
	for k, items := range r.store {
		for _, entry := range items {
			if predicate(k, entry) {
				results = append(results, entry)
			}
		}
	}
	return results
}

// Unregister removes entries under key. With predicate nil, every entry
// under key is removed; otherwise only entries predicate matches.
// Returns the number of entries removed.
func (r *Registry) Unregister(key string, predicate func(Entry) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	items, ok := r.store[key]
	if !ok {
		return 0
	}
	if predicate == nil {
		delete(r.store, key)
		return len(items)
	}
	var kept []Entry
	removed := 0
	for _, entry := range items {
		if predicate(entry) {
			removed++
		} else {
			kept = append(kept, entry)
		}
	}
	if len(kept) > 0 {
		r.store[key] = kept
	} else {
		delete(r.store, key)
	}
	return removed
}

// HasInterface reports whether any value is currently registered under
// key, satisfying the modifier package's AvailabilityProvider interface.
func (r *Registry) HasInterface(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store[key]) > 0
}

// HasCapability reports whether any "component.capabilities" entry
// declares name truthy, satisfying the modifier package's
// AvailabilityProvider interface.
func (r *Registry) HasCapability(name string) bool {
	r.mu.RLock()
	items := r.store["component.capabilities"]
	r.mu.RUnlock()
	for _, it := range items {
		caps, ok := it.Value.(map[string]any)
		if !ok {
			continue
		}
		if truthy(caps[name]) {
			return true
		}
	}
	return false
}
