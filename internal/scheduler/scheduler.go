// Package scheduler implements FlowScheduler: a tick-based (10s) engine
// that fires flows on a cron or interval schedule. It holds no reference
// to the kernel — the flow-execution callback is injected by whoever
// constructs it, so this package stays loosely coupled to the kernel's
// internals.
package scheduler

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TickInterval is how often the schedule table is evaluated.
const TickInterval = 10 * time.Second

// MinInterval is the smallest interval-seconds a registration accepts;
// anything smaller is clamped up to it.
const MinInterval = 10 * time.Second

// workerSlots bounds concurrent flow dispatch from tick evaluation to a
// 2-worker pool.
const workerSlots = 2

// ExecuteFunc runs a flow by id and returns its resulting context (or
// whatever shape the caller's flow engine returns) plus an error.
type ExecuteFunc func(flowID string, triggerCtx map[string]any) (map[string]any, error)

// DiagFunc records a scheduler diagnostic event; it is best-effort and
// never blocks scheduling on failure.
type DiagFunc func(phase, stepID, handler, status string, meta map[string]any, err error)

// CronField is one parsed field of a 5-field cron expression.
type CronField struct {
	values map[int]bool
}

func newCronField(values map[int]bool) CronField { return CronField{values: values} }

func (f CronField) matches(v int) bool { return f.values[v] }

// ParseCronField parses one cron field ("*", "*/N", "N", "N,M", "N-M",
// "N-M/S") bounded to [min, max].
func ParseCronField(expr string, min, max int) (CronField, error) {
	values := map[int]bool{}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case part == "*":
			for v := min; v <= max; v++ {
				values[v] = true
			}
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return CronField{}, invalidStep(part)
			}
			for v := min; v <= max; v += step {
				values[v] = true
			}
		case strings.Contains(part, "-") && strings.Contains(part, "/"):
			rangePart, stepStr, _ := strings.Cut(part, "/")
			startStr, endStr, _ := strings.Cut(rangePart, "-")
			start, err1 := strconv.Atoi(startStr)
			end, err2 := strconv.Atoi(endStr)
			step, err3 := strconv.Atoi(stepStr)
			if err1 != nil || err2 != nil || err3 != nil || step <= 0 {
				return CronField{}, invalidStep(part)
			}
			for v := start; v <= end; v += step {
				values[v] = true
			}
		case strings.Contains(part, "-"):
			startStr, endStr, _ := strings.Cut(part, "-")
			start, err1 := strconv.Atoi(startStr)
			end, err2 := strconv.Atoi(endStr)
			if err1 != nil || err2 != nil {
				return CronField{}, invalidStep(part)
			}
			for v := start; v <= end; v++ {
				values[v] = true
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return CronField{}, invalidStep(part)
			}
			values[v] = true
		}
	}
	for v := range values {
		if v < min || v > max {
			return CronField{}, rangeError(v, min, max)
		}
	}
	return newCronField(values), nil
}

func invalidStep(part string) error { return &cronParseError{"invalid cron field: " + part} }
func rangeError(v, min, max int) error {
	return &cronParseError{"value " + strconv.Itoa(v) + " out of range [" + strconv.Itoa(min) + ", " + strconv.Itoa(max) + "]"}
}

type cronParseError struct{ msg string }

func (e *cronParseError) Error() string { return e.msg }

// CronExpression is a parsed 5-field cron expression ("min hr day mon
// dow"). Weekday is stored in the runtime's Monday=0 convention; cron's
// native Sunday=0 values are converted to it at parse time via
// (v-1) mod 7.
type CronExpression struct {
	minute, hour, day, month, weekday CronField
	raw                               string
}

// ParseCronExpression parses a 5-field cron string.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, &cronParseError{"cron expression must have 5 fields"}
	}
	minute, err := ParseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, err
	}
	hour, err := ParseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, err
	}
	day, err := ParseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, err
	}
	month, err := ParseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, err
	}
	rawWeekday, err := ParseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, err
	}
	converted := map[int]bool{}
	for v := range rawWeekday.values {
		converted[((v-1)%7+7)%7] = true
	}
	return &CronExpression{minute: minute, hour: hour, day: day, month: month, weekday: newCronField(converted), raw: expr}, nil
}

// mondayZeroWeekday converts Go's time.Weekday (Sunday=0) into the
// runtime's Monday=0 convention.
func mondayZeroWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Matches reports whether t (already converted to the entry's local
// timezone) satisfies every field of the expression.
func (c *CronExpression) Matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.day.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.weekday.matches(mondayZeroWeekday(t))
}

// ScheduleEntry is one row of the schedule table.
type ScheduleEntry struct {
	FlowID          string
	Cron            *CronExpression
	IntervalSeconds float64
	Loc             *time.Location

	lastExecutedAt   time.Time
	nextRunUTC       time.Time
	lastCronMinuteID int64
}

func minuteID(t time.Time) int64 {
	return int64(t.Year())*525960 + int64(t.Month())*43800 + int64(t.Day())*1440 + int64(t.Hour())*60 + int64(t.Minute())
}

func (e *ScheduleEntry) shouldRun(now time.Time) bool {
	if e.Cron != nil {
		local := now.In(e.Loc)
		id := minuteID(local)
		if id == e.lastCronMinuteID {
			return false
		}
		if e.Cron.Matches(local) {
			e.lastCronMinuteID = id
			return true
		}
		return false
	}
	if e.IntervalSeconds > 0 {
		if !e.nextRunUTC.IsZero() {
			return !now.Before(e.nextRunUTC)
		}
	}
	return false
}

// computeNextInterval advances nextRunUTC by IntervalSeconds measured on
// the entry's local wall clock, so a DST transition changes the absolute
// UTC gap but keeps local-clock spacing exact, matching the original's
// aware-datetime arithmetic.
func (e *ScheduleEntry) computeNextInterval() {
	if e.IntervalSeconds <= 0 {
		return
	}
	e.nextRunUTC = addWallClockInterval(time.Now().UTC(), e.Loc, e.IntervalSeconds)
}

// addWallClockInterval adds seconds to now's wall-clock reading in loc and
// reinterprets the result in loc, rather than adding to the absolute
// instant. time.Time.Add is instant-based regardless of location, so it
// would hold the absolute gap fixed and let a DST transition shift the
// local clock reading; this instead holds the local reading fixed and
// lets the transition shift the absolute gap, mirroring aware-datetime +
// timedelta arithmetic against a fixed tzinfo.
func addWallClockInterval(now time.Time, loc *time.Location, seconds float64) time.Time {
	local := now.In(loc)
	naive := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), time.UTC)
	shifted := naive.Add(time.Duration(seconds * float64(time.Second)))
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(),
		shifted.Hour(), shifted.Minute(), shifted.Second(), shifted.Nanosecond(), loc).UTC()
}

// Scheduler is the tick-based flow firing engine.
type Scheduler struct {
	executeCallback ExecuteFunc
	diagCallback    DiagFunc

	mu           sync.Mutex
	entries      map[string]*ScheduleEntry
	runningFlows map[string]bool

	// flight wraps each executeCallback invocation, keyed by flow id.
	// dispatch is its only caller, and runningFlows already keeps a
	// second dispatch of the same flow from starting, so no second
	// caller ever joins an in-flight run.
	flight singleflight.Group

	stopCh chan struct{}
	ticker *time.Ticker
	wg     sync.WaitGroup
	sem    chan struct{}

	runningMu sync.Mutex
	started   bool
}

// New constructs a Scheduler. execute is required; diag may be nil.
func New(execute ExecuteFunc, diag DiagFunc) *Scheduler {
	return &Scheduler{
		executeCallback: execute,
		diagCallback:    diag,
		entries:         map[string]*ScheduleEntry{},
		runningFlows:    map[string]bool{},
		sem:             make(chan struct{}, workerSlots),
	}
}

// RegisterDef mirrors the original schema: {"cron": "...", "timezone":
// "...", "interval_seconds": N} or {"interval": N}.
func (s *Scheduler) RegisterDef(flowID string, def map[string]any) bool {
	cronExpr, _ := def["cron"].(string)
	var interval float64
	if v, ok := def["interval_seconds"]; ok {
		interval, _ = toFloat(v)
	} else if v, ok := def["interval"]; ok {
		interval, _ = toFloat(v)
	}
	tzName, _ := def["timezone"].(string)
	return s.Register(flowID, cronExpr, interval, tzName)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Register adds or replaces a schedule entry. At least one of cronExpr or
// intervalSeconds must be set; when both are set the cron expression
// decides when the entry fires. intervalSeconds is clamped up to
// MinInterval. Returns false if neither is set or the cron fails to
// parse.
func (s *Scheduler) Register(flowID, cronExpr string, intervalSeconds float64, timezone string) bool {
	if cronExpr == "" && intervalSeconds <= 0 {
		return false
	}
	var cron *CronExpression
	if cronExpr != "" {
		parsed, err := ParseCronExpression(cronExpr)
		if err != nil {
			s.diag("scheduler", "scheduler.register."+flowID+".failed", "flow_scheduler:register", "failed", nil, err)
			return false
		}
		cron = parsed
	}

	var interval float64
	if intervalSeconds > 0 {
		interval = intervalSeconds
		if interval < MinInterval.Seconds() {
			interval = MinInterval.Seconds()
		}
	}

	loc := resolveLocation(timezone)
	entry := &ScheduleEntry{FlowID: flowID, Cron: cron, IntervalSeconds: interval, Loc: loc}

	s.mu.Lock()
	if interval > 0 {
		entry.computeNextInterval()
	}
	s.entries[flowID] = entry
	s.mu.Unlock()

	s.diag("scheduler", "scheduler.register."+flowID, "flow_scheduler:register", "success", map[string]any{
		"flow_id": flowID, "cron": cronExpr, "interval": interval, "timezone": loc.String(),
	}, nil)
	return true
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Unregister removes a schedule entry. Reports whether it existed.
func (s *Scheduler) Unregister(flowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[flowID]; ok {
		delete(s.entries, flowID)
		return true
	}
	return false
}

// Start begins tick evaluation. Calling Start while already running is a
// no-op.
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.ticker = time.NewTicker(TickInterval)
	s.wg.Add(1)
	go s.loop()

	s.mu.Lock()
	count := len(s.entries)
	s.mu.Unlock()
	s.diag("scheduler", "scheduler.start", "flow_scheduler:start", "success", map[string]any{"entry_count": count}, nil)
}

// Stop halts tick evaluation and waits (up to timeout) for in-flight
// dispatches to drain.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.runningMu.Lock()
	if !s.started {
		s.runningMu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.ticker.Stop()
	s.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	s.diag("scheduler", "scheduler.stop", "flow_scheduler:stop", "success", nil, nil)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now().UTC()

	s.mu.Lock()
	snapshot := make([]*ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].FlowID < snapshot[j].FlowID })

	for _, entry := range snapshot {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		alreadyRunning := s.runningFlows[entry.FlowID]
		s.mu.Unlock()
		if alreadyRunning {
			continue
		}

		if !entry.shouldRun(now) {
			continue
		}

		s.mu.Lock()
		if s.runningFlows[entry.FlowID] {
			s.mu.Unlock()
			continue
		}
		s.runningFlows[entry.FlowID] = true
		entry.lastExecutedAt = now
		if entry.IntervalSeconds > 0 {
			entry.computeNextInterval()
		}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(entry.FlowID)
	}
}

func (s *Scheduler) dispatch(flowID string) {
	defer s.wg.Done()
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	defer func() {
		s.mu.Lock()
		delete(s.runningFlows, flowID)
		s.mu.Unlock()
	}()

	s.diag("scheduler", "scheduler.execute."+flowID+".start", "flow_scheduler:execute", "success", map[string]any{"flow_id": flowID}, nil)

	resultAny, err, _ := s.flight.Do(flowID, func() (any, error) {
		return s.executeCallback(flowID, map[string]any{"_triggered_by": "scheduler"})
	})
	result, _ := resultAny.(map[string]any)

	status := "success"
	if err != nil {
		status = "failed"
	} else if result != nil {
		if errVal, ok := result["_error"]; ok && errVal != nil && errVal != "" {
			status = "failed"
		}
	}

	s.diag("scheduler", "scheduler.execute."+flowID+".done", "flow_scheduler:execute", status, map[string]any{"flow_id": flowID, "has_error": status == "failed"}, err)
}

// Status describes one schedule entry's current state.
type Status struct {
	Cron            string
	Interval        float64
	LastExecutedAt  time.Time
	Timezone        string
	NextRunUTC      *time.Time
	IsRunning       bool
}

// GetStatus snapshots the scheduler's running flag and every entry.
func (s *Scheduler) GetStatus() (running bool, entries map[string]Status) {
	s.runningMu.Lock()
	running = s.started
	s.runningMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	entries = make(map[string]Status, len(s.entries))
	for id, e := range s.entries {
		st := Status{Interval: e.IntervalSeconds, LastExecutedAt: e.lastExecutedAt, Timezone: e.Loc.String(), IsRunning: s.runningFlows[id]}
		if e.Cron != nil {
			st.Cron = e.Cron.raw
		}
		if !e.nextRunUTC.IsZero() {
			t := e.nextRunUTC
			st.NextRunUTC = &t
		}
		entries[id] = st
	}
	return running, entries
}

func (s *Scheduler) diag(phase, stepID, handler, status string, meta map[string]any, err error) {
	if s.diagCallback == nil {
		return
	}
	defer func() { recover() }()
	s.diagCallback(phase, stepID, handler, status, meta, err)
}
