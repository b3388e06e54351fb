// Package registry defines the Pack/Component/Addon data model and the
// deterministic UUIDv5 identity scheme packs and their components are
// addressed by.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PackNamespace is the fixed UUID namespace every pack identity is hashed
// into. Do not change: changing it would silently re-identify every
// previously installed pack.
var PackNamespace = uuid.MustParse("a3e9f8c2-7b4d-5e1a-9c6f-2d8b4a7e3f1c")

// ComponentPrefix and AddonPrefix namespace the per-pack uuid5 string used
// to derive component/addon identities.
const (
	ComponentPrefix = "component"
	AddonPrefix     = "addon"
)

// PackUUID deterministically derives a pack's UUID from its identity
// string (typically "<namespace>/<name>@<version>" or similar).
func PackUUID(packIdentity string) uuid.UUID {
	return uuid.NewSHA1(PackNamespace, []byte(packIdentity)) // uuid5 == SHA1-based v5
}

// ComponentUUID deterministically derives a component's UUID from its
// owning pack UUID, type, and id.
func ComponentUUID(packUUID uuid.UUID, componentType, componentID string) uuid.UUID {
	name := fmt.Sprintf("%s:%s:%s", ComponentPrefix, componentType, componentID)
	return uuid.NewSHA1(packUUID, []byte(name))
}

// AddonUUID deterministically derives an addon's UUID from its owning pack
// UUID and id.
func AddonUUID(packUUID uuid.UUID, addonID string) uuid.UUID {
	name := fmt.Sprintf("%s:%s", AddonPrefix, addonID)
	return uuid.NewSHA1(packUUID, []byte(name))
}

// ComponentKind classifies a component registered by a pack's
// ecosystem.json manifest.
type ComponentKind string

const (
	KindFlow      ComponentKind = "flow"
	KindModifier  ComponentKind = "modifier"
	KindHandler   ComponentKind = "handler"
	KindInterface ComponentKind = "interface"
)

// Component is one unit of functionality a pack contributes.
type Component struct {
	UUID uuid.UUID     `json:"uuid"`
	ID   string        `json:"id"`
	Kind ComponentKind `json:"kind"`
	File string        `json:"file,omitempty"`
}

// Addon is a named extension point a pack exposes to other packs.
type Addon struct {
	UUID uuid.UUID `json:"uuid"`
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
}

// CapabilityRequest is one capability a pack's manifest declares it wants,
// awaiting operator approval before the matching grant manager activates
// it. Type is one of "network", "secrets", "host_privilege", "docker".
type CapabilityRequest struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Reason string `json:"reason,omitempty"`
}

// Manifest is the parsed contents of a pack's ecosystem.json.
type Manifest struct {
	Name                   string              `json:"name"`
	Version                string              `json:"version"`
	Identity               string              `json:"identity"`
	Components             []Component         `json:"components,omitempty"`
	Addons                 []Addon             `json:"addons,omitempty"`
	Dependencies           []string            `json:"dependencies,omitempty"`
	Capabilities           []CapabilityRequest `json:"capabilities,omitempty"`
	AllowWildcardModifiers bool                `json:"allow_wildcard_modifiers,omitempty"`
}

// Pack is a fully resolved, registered extension bundle.
type Pack struct {
	UUID      uuid.UUID
	Identity  string
	Dir       string
	Manifest  Manifest
}

// Registry tracks the packs discovered on disk and their derived
// identities, indexed by pack UUID and by identity string.
type Registry struct {
	mu       sync.RWMutex
	byUUID   map[uuid.UUID]*Pack
	byID     map[string]*Pack
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byUUID: make(map[uuid.UUID]*Pack),
		byID:   make(map[string]*Pack),
	}
}

// Put registers (or replaces) a pack entry, deriving its UUID from its
// Identity and each declared component's UUID from that pack UUID.
func (r *Registry) Put(dir string, m Manifest) *Pack {
	packUUID := PackUUID(m.Identity)

	components := make([]Component, len(m.Components))
	for i, c := range m.Components {
		c.UUID = ComponentUUID(packUUID, string(c.Kind), c.ID)
		components[i] = c
	}
	addons := make([]Addon, len(m.Addons))
	for i, a := range m.Addons {
		a.UUID = AddonUUID(packUUID, a.ID)
		addons[i] = a
	}
	m.Components = components
	m.Addons = addons

	pack := &Pack{UUID: packUUID, Identity: m.Identity, Dir: dir, Manifest: m}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUUID[packUUID] = pack
	r.byID[m.Identity] = pack
	return pack
}

// Get looks up a pack by its identity string.
func (r *Registry) Get(identity string) (*Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[identity]
	return p, ok
}

// GetByUUID looks up a pack by its derived UUID.
func (r *Registry) GetByUUID(id uuid.UUID) (*Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUUID[id]
	return p, ok
}

// All returns every registered pack, in no particular order.
func (r *Registry) All() []*Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pack, 0, len(r.byUUID))
	for _, p := range r.byUUID {
		out = append(out, p)
	}
	return out
}

// Remove deletes a pack entry by identity.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[identity]; ok {
		delete(r.byUUID, p.UUID)
		delete(r.byID, identity)
	}
}
