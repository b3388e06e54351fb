package logging

import "testing"

func TestForReturnsTheSameLoggerForTheSameCategory(t *testing.T) {
	a := For("approval")
	b := For("approval")
	if a != b {
		t.Fatal("expected For to cache and reuse the named logger")
	}
}

func TestForReturnsDistinctLoggersPerCategory(t *testing.T) {
	a := For("approval")
	b := For("grants")
	if a == b {
		t.Fatal("expected distinct categories to get distinct loggers")
	}
}

func TestInitResetsNamedLoggerCache(t *testing.T) {
	before := For("scheduler")
	Init(false)
	after := For("scheduler")
	if before == after {
		t.Fatal("expected Init to discard previously cached named loggers")
	}
}

func TestSyncDoesNotPanic(t *testing.T) {
	For("sandbox")
	Sync()
}
