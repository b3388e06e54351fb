package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestMain guards against a scheduler Stop() that returns before its
// dispatch goroutines have actually exited, which previously would have
// gone unnoticed since the worker semaphore and waitgroup track
// completion but not leakage.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseCronFieldWildcardStepRangeList(t *testing.T) {
	f, err := ParseCronField("*/15", 0, 59)
	if err != nil {
		t.Fatalf("ParseCronField error = %v", err)
	}
	for _, v := range []int{0, 15, 30, 45} {
		if !f.matches(v) {
			t.Fatalf("expected %d to match */15", v)
		}
	}
	if f.matches(1) {
		t.Fatal("1 should not match */15")
	}

	f2, err := ParseCronField("1,3,5-7", 0, 10)
	if err != nil {
		t.Fatalf("ParseCronField error = %v", err)
	}
	for _, v := range []int{1, 3, 5, 6, 7} {
		if !f2.matches(v) {
			t.Fatalf("expected %d to match 1,3,5-7", v)
		}
	}
	if f2.matches(4) {
		t.Fatal("4 should not match 1,3,5-7")
	}
}

func TestParseCronFieldOutOfRange(t *testing.T) {
	if _, err := ParseCronField("99", 0, 59); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestCronExpressionWeekdayConversion(t *testing.T) {
	// cron "0" (Sunday) converts to the runtime's Monday=0 scheme as 6.
	expr, err := ParseCronExpression("0 2 * * 0")
	if err != nil {
		t.Fatalf("ParseCronExpression error = %v", err)
	}
	sunday := time.Date(2026, 8, 2, 2, 0, 0, 0, time.UTC) // a Sunday
	if !expr.Matches(sunday) {
		t.Fatal("expected cron dow=0 to match a Sunday")
	}
	monday := time.Date(2026, 8, 3, 2, 0, 0, 0, time.UTC)
	if expr.Matches(monday) {
		t.Fatal("cron dow=0 (Sunday only) must not match a Monday")
	}
}

func TestSchedulerIntervalFires(t *testing.T) {
	var count int32
	sched := New(func(flowID string, ctx map[string]any) (map[string]any, error) {
		atomic.AddInt32(&count, 1)
		return nil, nil
	}, nil)
	sched.Register("heartbeat", "", 0.01, "")

	entry := sched.entries["heartbeat"]
	if entry.IntervalSeconds != MinInterval.Seconds() {
		t.Fatalf("interval = %v, want clamped to MinInterval", entry.IntervalSeconds)
	}

	// Force the entry due without waiting a real TickInterval.
	entry.nextRunUTC = time.Now().UTC().Add(-time.Second)
	sched.tick()
	// dispatch runs in a goroutine; give it a moment.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&count) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestSchedulerSingleFlightSameFlow(t *testing.T) {
	release := make(chan struct{})
	var concurrent int32
	var maxConcurrent int32
	sched := New(func(flowID string, ctx map[string]any) (map[string]any, error) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return nil, nil
	}, nil)
	sched.Register("busy", "", 0.01, "")
	entry := sched.entries["busy"]
	entry.nextRunUTC = time.Now().UTC().Add(-time.Second)

	sched.tick()
	time.Sleep(20 * time.Millisecond)
	entry.nextRunUTC = time.Now().UTC().Add(-time.Second)
	sched.tick() // should be a no-op: "busy" is already running

	close(release)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&maxConcurrent) != 1 {
		t.Fatalf("maxConcurrent = %d, want 1 (same flow_id must be single-flighted)", maxConcurrent)
	}
}

func TestSchedulerRegisterRejectsEmptySchedule(t *testing.T) {
	sched := New(func(string, map[string]any) (map[string]any, error) { return nil, nil }, nil)
	if sched.Register("nothing", "", 0, "") {
		t.Fatal("expected Register to reject an entry with neither cron nor interval")
	}
}

func TestSchedulerRegisterRejectsBadCron(t *testing.T) {
	sched := New(func(string, map[string]any) (map[string]any, error) { return nil, nil }, nil)
	if sched.Register("bad", "not a cron", 0, "") {
		t.Fatal("expected Register to reject a malformed cron expression")
	}
}

// TestAddWallClockIntervalAcrossSpringForwardKeepsLocalSpacing exercises a
// 24-hour interval registration straddling the 2026-03-08 US spring-forward
// transition in America/New_York (02:00 EST jumps to 03:00 EDT). The local
// wall-clock reading must advance by exactly 24 hours while the absolute
// UTC gap shrinks to 23 hours, matching the documented DST invariant.
func TestAddWallClockIntervalAcrossSpringForwardKeepsLocalSpacing(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 2026-03-07 20:00:00 EST (UTC-5) = 2026-03-08T01:00:00Z.
	now := time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC)
	next := addWallClockInterval(now, loc, 24*60*60)

	wantLocalHour, wantLocalDay := 20, 8
	gotLocal := next.In(loc)
	if gotLocal.Hour() != wantLocalHour || gotLocal.Day() != wantLocalDay || gotLocal.Month() != time.March {
		t.Fatalf("local reading = %v, want 2026-03-%02d %02d:00 local", gotLocal, wantLocalDay, wantLocalHour)
	}

	gap := next.Sub(now)
	if gap != 23*time.Hour {
		t.Fatalf("absolute gap = %v, want 23h (spring-forward loses the 2am-3am hour)", gap)
	}
}

// TestScheduleEntryCronSkipsNonexistentSpringForwardMinute registers a cron
// entry for 02:30 local time, a wall-clock minute that does not exist on
// the 2026-03-08 spring-forward date in America/New_York (clocks jump from
// 02:00 straight to 03:00, so every UTC instant that day maps to either
// 01:xx EST or 03:xx EDT, never 02:xx). shouldRun must not fire for it, and
// must still fire normally at 03:30 the same morning.
func TestScheduleEntryCronSkipsNonexistentSpringForwardMinute(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cron, err := ParseCronExpression("30 2 * * *")
	if err != nil {
		t.Fatalf("ParseCronExpression error = %v", err)
	}
	entry := &ScheduleEntry{FlowID: "nightly", Cron: cron, Loc: loc}

	// Sweep UTC minutes across the transition: 06:00Z-08:30Z covers
	// 01:00-01:59 EST, the skipped hour, and into 03:xx EDT.
	start := time.Date(2026, 3, 8, 6, 0, 0, 0, time.UTC)
	fires := 0
	for i := 0; i < 150; i++ {
		now := start.Add(time.Duration(i) * time.Minute)
		if entry.shouldRun(now) {
			fires++
		}
	}
	if fires != 0 {
		t.Fatalf("expected 0 fires: cron's 02:30 local never occurs on the spring-forward date, got %d", fires)
	}

	entry2 := &ScheduleEntry{FlowID: "morning", Cron: mustParseCron(t, "30 3 * * *"), Loc: loc}
	sawFire := false
	for i := 0; i < 150; i++ {
		now := start.Add(time.Duration(i) * time.Minute)
		if entry2.shouldRun(now) {
			sawFire = true
		}
	}
	if !sawFire {
		t.Fatal("expected 03:30 local to fire normally on the same sweep")
	}
}

func mustParseCron(t *testing.T, expr string) *CronExpression {
	t.Helper()
	c, err := ParseCronExpression(expr)
	if err != nil {
		t.Fatalf("ParseCronExpression(%q) error = %v", expr, err)
	}
	return c
}

func TestSchedulerStartStop(t *testing.T) {
	sched := New(func(string, map[string]any) (map[string]any, error) { return nil, nil }, nil)
	sched.Start()
	running, _ := sched.GetStatus()
	if !running {
		t.Fatal("expected scheduler to report running after Start")
	}
	sched.Stop(time.Second)
	running, _ = sched.GetStatus()
	if running {
		t.Fatal("expected scheduler to report stopped after Stop")
	}
}
