// Package compose implements the registry-driven flow composition layer:
// an alternate, dynamic path by which packs can modify flows by
// registering FlowModifier values under the "flow.modifier" interface key
// instead of shipping "*.modifier.yaml" files, plus the function-alias
// system that lets a step be targeted by concept ("ai", "tool") rather
// than by exact handler name.
package compose

import "sort"

// AliasRegistry maps a canonical concept name to the set of names (the
// canonical name plus any registered aliases) that refer to it.
type AliasRegistry struct {
	canonicalToAliases map[string]map[string]bool
	aliasToCanonical   map[string]string
}

// NewAliasRegistry returns an empty AliasRegistry.
func NewAliasRegistry() *AliasRegistry {
	return &AliasRegistry{
		canonicalToAliases: make(map[string]map[string]bool),
		aliasToCanonical:   make(map[string]string),
	}
}

func (r *AliasRegistry) ensureCanonical(canonical string) {
	if _, ok := r.canonicalToAliases[canonical]; !ok {
		r.canonicalToAliases[canonical] = map[string]bool{canonical: true}
	}
	r.aliasToCanonical[canonical] = canonical
}

// RegisterAliases maps every name in aliases (plus canonical itself) to
// canonical, stealing any alias away from a prior canonical it belonged
// to.
func (r *AliasRegistry) RegisterAliases(canonical string, aliases []string) {
	if old, ok := r.aliasToCanonical[canonical]; ok && old != canonical {
		delete(r.canonicalToAliases[old], canonical)
	}
	r.ensureCanonical(canonical)
	for _, alias := range aliases {
		if old, ok := r.aliasToCanonical[alias]; ok && old != canonical {
			delete(r.canonicalToAliases[old], alias)
		}
		r.canonicalToAliases[canonical][alias] = true
		r.aliasToCanonical[alias] = canonical
	}
}

// AddAlias maps a single alias to canonical, creating canonical if it
// does not already exist.
func (r *AliasRegistry) AddAlias(canonical, alias string) {
	r.ensureCanonical(canonical)
	if old, ok := r.aliasToCanonical[alias]; ok && old != canonical {
		delete(r.canonicalToAliases[old], alias)
	}
	r.canonicalToAliases[canonical][alias] = true
	r.aliasToCanonical[alias] = canonical
}

// Resolve returns name's canonical form, or name itself if unregistered.
func (r *AliasRegistry) Resolve(name string) string {
	if canonical, ok := r.aliasToCanonical[name]; ok {
		return canonical
	}
	return name
}

// FindAll returns every name (canonical plus aliases) mapped to
// canonical, sorted, or []string{canonical} if canonical is unregistered.
func (r *AliasRegistry) FindAll(canonical string) []string {
	set, ok := r.canonicalToAliases[canonical]
	if !ok {
		return []string{canonical}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsAliasOf reports whether name resolves to canonical.
func (r *AliasRegistry) IsAliasOf(name, canonical string) bool {
	return r.aliasToCanonical[name] == canonical
}

// GetCanonical returns name's canonical form and whether it is registered
// at all (canonical or alias).
func (r *AliasRegistry) GetCanonical(name string) (string, bool) {
	c, ok := r.aliasToCanonical[name]
	return c, ok
}

// ListAllCanonicals returns every registered canonical name, sorted.
func (r *AliasRegistry) ListAllCanonicals() []string {
	out := make([]string, 0, len(r.canonicalToAliases))
	for c := range r.canonicalToAliases {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// RemoveAlias unregisters alias. The canonical name itself cannot be
// removed this way; returns false for that case or if alias is unknown.
func (r *AliasRegistry) RemoveAlias(alias string) bool {
	canonical, ok := r.aliasToCanonical[alias]
	if !ok || alias == canonical {
		return false
	}
	delete(r.aliasToCanonical, alias)
	delete(r.canonicalToAliases[canonical], alias)
	return true
}

// RemoveCanonical unregisters canonical and every alias mapped to it.
func (r *AliasRegistry) RemoveCanonical(canonical string) bool {
	aliases, ok := r.canonicalToAliases[canonical]
	if !ok {
		return false
	}
	for alias := range aliases {
		delete(r.aliasToCanonical, alias)
	}
	delete(r.canonicalToAliases, canonical)
	return true
}

// Clear removes every mapping.
func (r *AliasRegistry) Clear() {
	r.canonicalToAliases = make(map[string]map[string]bool)
	r.aliasToCanonical = make(map[string]string)
}
