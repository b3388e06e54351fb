package kernel

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// MaxResolveDepth bounds recursive $flow/$ctx/$env substitution.
const MaxResolveDepth = 20

var varRefRe = regexp.MustCompile(`\$(?:flow|ctx|env)\.[a-zA-Z0-9_.]+`)

// Resolver expands $flow.key / $ctx.key / $env.KEY references found in
// step input against a flow's context map.
type Resolver struct {
	maxDepth int
}

// NewResolver returns a Resolver bounded to MaxResolveDepth.
func NewResolver() *Resolver { return &Resolver{maxDepth: MaxResolveDepth} }

// ResolveValue expands variable references within value. Strings,
// map[string]any, and []any are recursed into; anything else passes
// through unchanged.
func (r *Resolver) ResolveValue(value any, ctx Ctx, depth int) any {
	if depth > r.maxDepth {
		return value
	}
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ctx, depth)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.ResolveValue(item, ctx, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.ResolveValue(item, ctx, depth+1)
		}
		return out
	default:
		return value
	}
}

// ResolveArgs applies ResolveValue to every value in args.
func (r *Resolver) ResolveArgs(args map[string]any, ctx Ctx) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = r.ResolveValue(v, ctx, 0)
	}
	return out
}

// resolveString expands a string's variable references. A string that is
// exactly one reference preserves the referenced value's type; a string
// with embedded references is substituted with string conversion.
func (r *Resolver) resolveString(value string, ctx Ctx, depth int) any {
	stripped := strings.TrimSpace(value)

	if loc := varRefRe.FindStringIndex(stripped); loc != nil && loc[0] == 0 && loc[1] == len(stripped) {
		resolved := r.lookupVariable(stripped, ctx)
		if s, ok := resolved.(string); ok {
			if s == stripped {
				return resolved
			}
			if depth < r.maxDepth {
				return r.ResolveValue(s, ctx, depth+1)
			}
		}
		return resolved
	}

	return varRefRe.ReplaceAllStringFunc(value, func(ref string) string {
		resolved := r.lookupVariable(ref, ctx)
		if s, ok := resolved.(string); ok && s == ref {
			return ref
		}
		return toDisplayString(resolved)
	})
}

func toDisplayString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return "None"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (r *Resolver) lookupVariable(ref string, ctx Ctx) any {
	if !strings.HasPrefix(ref, "$") {
		return ref
	}
	body := ref[1:]
	parts := strings.Split(body, ".")
	if len(parts) < 2 {
		return ref
	}
	prefix, path := parts[0], parts[1:]

	if prefix == "env" {
		return envOrRef(strings.Join(path, "."), ref)
	}

	var current any = map[string]any(ctx)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return ref
		}
		next, ok := m[key]
		if !ok {
			return ref
		}
		current = next
	}
	return current
}

func envOrRef(key, ref string) any {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return ref
}
