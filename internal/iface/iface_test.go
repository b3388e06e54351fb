package iface

import (
	"testing"
	"time"
)

func TestRegisterAndGetFirstLastAll(t *testing.T) {
	r := New(nil, false)
	r.Register("greeting", "hello", nil)
	r.Register("greeting", "world", nil)

	if got := r.Get("greeting", StrategyFirst); got != "hello" {
		t.Fatalf("StrategyFirst = %v, want hello", got)
	}
	if got := r.Get("greeting", StrategyLast); got != "world" {
		t.Fatalf("StrategyLast = %v, want world", got)
	}
	all, ok := r.Get("greeting", StrategyAll).([]any)
	if !ok || len(all) != 2 {
		t.Fatalf("StrategyAll = %v, want 2 entries", all)
	}
}

func TestGetAllOnMissingKeyReturnsEmptySliceNotNil(t *testing.T) {
	r := New(nil, false)
	got, ok := r.Get("nothing", StrategyAll).([]any)
	if !ok {
		t.Fatal("expected a []any for StrategyAll on an absent key")
	}
	if len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}

func TestGetOnMissingKeyReturnsNilForFirstAndLast(t *testing.T) {
	r := New(nil, false)
	if r.Get("nothing", StrategyFirst) != nil {
		t.Fatal("expected nil for StrategyFirst on an absent key")
	}
	if r.Get("nothing", StrategyLast) != nil {
		t.Fatal("expected nil for StrategyLast on an absent key")
	}
}

func TestProtectedKeyIsRejectedWhenBlockingEnabled(t *testing.T) {
	r := New(nil, true)
	err := r.Register("io.http.server", "handler", nil)
	if err == nil {
		t.Fatal("expected protected-key registration to be rejected")
	}
	if _, ok := err.(*ErrProtectedKey); !ok {
		t.Fatalf("expected *ErrProtectedKey, got %T", err)
	}
}

func TestProtectedKeyIsAllowedWithSystemMeta(t *testing.T) {
	r := New(nil, true)
	if err := r.Register("io.http.server", "handler", map[string]any{"_system": true}); err != nil {
		t.Fatalf("expected _system=true to bypass the block: %v", err)
	}
}

func TestProtectedPrefixIsAlsoEnforced(t *testing.T) {
	r := New(nil, true)
	if err := r.Register("flow.construct.python_file_call", "v", nil); err == nil {
		t.Fatal("expected the flow.construct. prefix to be protected")
	}
}

func TestProtectedKeyWithBlockingDisabledIsLoggedNotRejected(t *testing.T) {
	r := New(nil, false)
	if err := r.Register("kernel:internal", "v", nil); err != nil {
		t.Fatalf("expected no error when blocking is disabled, got %v", err)
	}
	if got := r.Get("kernel:internal", StrategyLast); got != "v" {
		t.Fatalf("got %v, want v", got)
	}
}

func TestRegisterIfAbsentOnlyRegistersOnce(t *testing.T) {
	r := New(nil, false)
	first, err := r.RegisterIfAbsent("singleton", "a", nil, 0)
	if err != nil || !first {
		t.Fatalf("expected first RegisterIfAbsent to succeed, got (%v, %v)", first, err)
	}
	second, err := r.RegisterIfAbsent("singleton", "b", nil, 0)
	if err != nil || second {
		t.Fatalf("expected second RegisterIfAbsent to be a no-op, got (%v, %v)", second, err)
	}
	if got := r.Get("singleton", StrategyLast); got != "a" {
		t.Fatalf("got %v, want a (unchanged)", got)
	}
}

func TestRegisterIfAbsentRevivesAfterExpiry(t *testing.T) {
	r := New(nil, false)
	r.RegisterIfAbsent("ttl-key", "a", nil, -time.Second)
	ok, err := r.RegisterIfAbsent("ttl-key", "b", nil, 0)
	if err != nil || !ok {
		t.Fatalf("expected an expired entry to allow re-registration, got (%v, %v)", ok, err)
	}
	if got := r.Get("ttl-key", StrategyLast); got != "b" {
		t.Fatalf("got %v, want b", got)
	}
}

func TestRegisterHandlerAttachesSchemaMetadata(t *testing.T) {
	r := New(nil, false)
	in := map[string]any{"type": "object"}
	out := map[string]any{"type": "string"}
	if err := r.RegisterHandler("some.handler", func() {}, in, out, nil); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	gotIn, gotOut := r.GetSchema("some.handler")
	if gotIn["type"] != "object" || gotOut["type"] != "string" {
		t.Fatalf("unexpected schemas: in=%v out=%v", gotIn, gotOut)
	}
}

func TestGetByOwnerPrefersMatchingOwnerOverMostRecent(t *testing.T) {
	r := New(nil, false)
	r.Register("shared.key", "from-a", map[string]any{"owner_pack": "pack-a"})
	r.Register("shared.key", "from-b", map[string]any{"owner_pack": "pack-b"})

	if got := r.GetByOwner("shared.key", "pack-a"); got != "from-a" {
		t.Fatalf("got %v, want from-a", got)
	}
	if got := r.GetByOwner("shared.key", "unknown-pack"); got != "from-b" {
		t.Fatalf("expected fallback to most recent entry, got %v", got)
	}
}

func TestObserveAndUnobserve(t *testing.T) {
	r := New(nil, false)
	var notified []string
	id := r.Observe("watched.*", func(key string, oldValue, newValue any) {
		notified = append(notified, key)
	}, false)

	r.Register("watched.one", "x", nil)
	r.Register("unwatched.one", "y", nil)
	if len(notified) != 1 || notified[0] != "watched.one" {
		t.Fatalf("unexpected notifications: %v", notified)
	}

	if !r.Unobserve(id) {
		t.Fatal("expected Unobserve to find the registered observer")
	}
	r.Register("watched.two", "z", nil)
	if len(notified) != 1 {
		t.Fatalf("expected no further notifications after Unobserve, got %v", notified)
	}
}

func TestObserveImmediateFiresWithCurrentValue(t *testing.T) {
	r := New(nil, false)
	r.Register("existing", "value", nil)

	var got any
	r.Observe("existing", func(key string, oldValue, newValue any) {
		got = newValue
	}, true)
	if got != "value" {
		t.Fatalf("got %v, want value delivered immediately", got)
	}
}

func TestUnobserveAllRemovesEveryObserverForAPattern(t *testing.T) {
	r := New(nil, false)
	r.Observe("k", func(string, any, any) {}, false)
	r.Observe("k", func(string, any, any) {}, false)
	if n := r.UnobserveAll("k"); n != 2 {
		t.Fatalf("UnobserveAll = %d, want 2", n)
	}
}

func TestListGroupsByKeyAndPrefix(t *testing.T) {
	r := New(nil, false)
	r.Register("flow.a", 1, nil)
	r.Register("flow.a", 2, nil)
	r.Register("modifier.b", 3, nil)

	counts := r.List("flow.", false)
	if counts["flow.a"] != 2 {
		t.Fatalf("flow.a count = %v, want 2", counts["flow.a"])
	}
	if _, ok := counts["modifier.b"]; ok {
		t.Fatal("expected prefix filter to exclude modifier.b")
	}
}

func TestFindMatchesAcrossAllKeys(t *testing.T) {
	r := New(nil, false)
	r.Register("a", 1, map[string]any{"tag": "x"})
	r.Register("b", 2, map[string]any{"tag": "y"})

	found := r.Find(func(key string, entry Entry) bool {
		return entry.Meta["tag"] == "x"
	})
	if len(found) != 1 || found[0].Key != "a" {
		t.Fatalf("unexpected find result: %+v", found)
	}
}

func TestUnregisterWithAndWithoutPredicate(t *testing.T) {
	r := New(nil, false)
	r.Register("k", 1, nil)
	r.Register("k", 2, nil)
	r.Register("k", 3, nil)

	removed := r.Unregister("k", func(e Entry) bool { return e.Value == 2 })
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	all, _ := r.Get("k", StrategyAll).([]any)
	if len(all) != 2 {
		t.Fatalf("expected 2 remaining entries, got %v", all)
	}

	removed = r.Unregister("k", nil)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2 (all)", removed)
	}
	if r.HasInterface("k") {
		t.Fatal("expected key fully removed")
	}
}

func TestHasInterfaceAndHasCapability(t *testing.T) {
	r := New(nil, false)
	if r.HasInterface("missing") {
		t.Fatal("expected false for an unregistered key")
	}
	r.Register("present", "v", nil)
	if !r.HasInterface("present") {
		t.Fatal("expected true once registered")
	}

	if r.HasCapability("docker") {
		t.Fatal("expected false before any capability declaration")
	}
	r.Register("component.capabilities", map[string]any{"docker": true}, nil)
	if !r.HasCapability("docker") {
		t.Fatal("expected true once a truthy capability is declared")
	}
}
