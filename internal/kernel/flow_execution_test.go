package kernel

import (
	"testing"
	"time"

	"rumikernel/internal/flow"
	"rumikernel/internal/iface"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	reg := iface.New(nil, false)
	return New(Deps{Registry: reg})
}

func defWithSteps(id string, steps []flow.Step) *flow.Definition {
	return &flow.Definition{FlowID: id, Steps: steps}
}

func TestExecuteFlowRunsHandlerSteps(t *testing.T) {
	k := newTestKernel(t)
	var called bool
	k.handlers["kernel:mark"] = func(args map[string]any, ctx Ctx) (any, error) {
		called = true
		return "done", nil
	}
	k.flowLoader = nil
	reg := k.registry
	def := defWithSteps("greet", []flow.Step{
		{ID: "s1", Type: "handler", Handler: "kernel:mark", Output: "greet_result"},
	})
	_ = reg.Register("flow.greet", def, nil)

	ctx, err := k.ExecuteFlow("greet", nil, time.Second)
	if err != nil {
		t.Fatalf("ExecuteFlow error = %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked")
	}
	if ctx["greet_result"] != "done" {
		t.Fatalf("greet_result = %v, want done", ctx["greet_result"])
	}
}

func TestExecuteFlowDependsOnGating(t *testing.T) {
	k := newTestKernel(t)
	order := []string{}
	k.handlers["kernel:step_a"] = func(args map[string]any, ctx Ctx) (any, error) {
		order = append(order, "a")
		return nil, nil
	}
	k.handlers["kernel:step_b"] = func(args map[string]any, ctx Ctx) (any, error) {
		order = append(order, "b")
		return nil, nil
	}
	def := defWithSteps("chain", []flow.Step{
		{ID: "a", Type: "handler", Handler: "kernel:step_a"},
		{ID: "b", Type: "handler", Handler: "kernel:step_b", DependsOn: []string{"a"}},
	})
	_ = k.registry.Register("flow.chain", def, nil)

	_, err := k.ExecuteFlow("chain", nil, time.Second)
	if err != nil {
		t.Fatalf("ExecuteFlow error = %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
}

// TestExecuteFlowDependsOnSkipsSinglePass confirms the step loop is a
// single forward pass: a step whose depends_on is never satisfied earlier
// in the list is permanently skipped, not deferred and retried once its
// dependency later completes.
func TestExecuteFlowDependsOnSkipsSinglePass(t *testing.T) {
	k := newTestKernel(t)
	order := []string{}
	k.handlers["kernel:step_a"] = func(args map[string]any, ctx Ctx) (any, error) {
		order = append(order, "a")
		return nil, nil
	}
	k.handlers["kernel:step_b"] = func(args map[string]any, ctx Ctx) (any, error) {
		order = append(order, "b")
		return nil, nil
	}
	def := defWithSteps("misordered", []flow.Step{
		{ID: "b", Type: "handler", Handler: "kernel:step_b", DependsOn: []string{"a"}},
		{ID: "a", Type: "handler", Handler: "kernel:step_a"},
	})
	def.Defaults.FailSoft = true
	_ = k.registry.Register("flow.misordered", def, nil)

	_, err := k.ExecuteFlow("misordered", nil, time.Second)
	if err != nil {
		t.Fatalf("ExecuteFlow error = %v", err)
	}
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("order = %v, want [a] (b must be skipped, never deferred)", order)
	}
}

func TestExecuteFlowDependsOnMissingAbortsWhenNotFailSoft(t *testing.T) {
	k := newTestKernel(t)
	ran := false
	k.handlers["kernel:never"] = func(args map[string]any, ctx Ctx) (any, error) {
		ran = true
		return nil, nil
	}
	def := defWithSteps("strict", []flow.Step{
		{ID: "x", Type: "handler", Handler: "kernel:never", DependsOn: []string{"missing"}},
	})
	_ = k.registry.Register("flow.strict", def, nil)

	ctx, err := k.ExecuteFlow("strict", map[string]any{"_fail_soft": false}, time.Second)
	if err != nil {
		t.Fatalf("ExecuteFlow error = %v", err)
	}
	if ran {
		t.Fatal("step with unmet depends_on must not run when fail_soft is false")
	}
	_ = ctx
}

func TestEvalConditionEquality(t *testing.T) {
	k := newTestKernel(t)
	ctx := Ctx{"flow": map[string]any{"status": "ready"}}
	if !k.evalCondition("$flow.status == ready", ctx) {
		t.Fatal("expected condition to evaluate true")
	}
	if k.evalCondition("$flow.status != ready", ctx) {
		t.Fatal("expected != condition to evaluate false")
	}
}

func TestErrorHandlerRetryDoesNotReexecuteFailedStep(t *testing.T) {
	k := newTestKernel(t)
	attempts := 0
	k.handlers["kernel:flaky"] = func(args map[string]any, ctx Ctx) (any, error) {
		attempts++
		return nil, errBoom
	}
	k.handlers["kernel:after"] = func(args map[string]any, ctx Ctx) (any, error) {
		return "ok", nil
	}
	_ = k.registry.Register("flow.error_handler", ErrorHandlerFunc(func(step flow.Step, ctx Ctx, stepErr error) string {
		return "retry"
	}), nil)
	def := defWithSteps("flaky_flow", []flow.Step{
		{ID: "flaky", Type: "handler", Handler: "kernel:flaky"},
		{ID: "after", Type: "handler", Handler: "kernel:after", Output: "after_result"},
	})
	_ = k.registry.Register("flow.flaky_flow", def, nil)

	ctx, err := k.ExecuteFlow("flaky_flow", nil, time.Second)
	if err != nil {
		t.Fatalf("ExecuteFlow error = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (retry must not re-run the failed step)", attempts)
	}
	if ctx["after_result"] != "ok" {
		t.Fatalf("expected execution to continue to the next step after retry")
	}
}

func TestSubFlowRecursiveCallReportedAsError(t *testing.T) {
	k := newTestKernel(t)
	def := defWithSteps("recur", []flow.Step{
		{ID: "again", Type: "flow", FlowRef: "recur", Output: "nested"},
	})
	_ = k.registry.Register("flow.recur", def, nil)

	ctx, err := k.ExecuteFlow("recur", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("ExecuteFlow error = %v", err)
	}
	nested, ok := ctx["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested = %v, want a map carrying _error", ctx["nested"])
	}
	if _, hasErr := nested["_error"]; !hasErr {
		t.Fatal("expected recursive sub-flow call to be reported as _error, not to recurse forever")
	}
}

func TestFlowTimeout(t *testing.T) {
	k := newTestKernel(t)
	k.handlers["kernel:slow"] = func(args map[string]any, ctx Ctx) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}
	def := defWithSteps("slow_flow", []flow.Step{
		{ID: "slow", Type: "handler", Handler: "kernel:slow"},
	})
	_ = k.registry.Register("flow.slow_flow", def, nil)

	_, err := k.ExecuteFlow("slow_flow", nil, 5*time.Millisecond)
	if err != ErrFlowTimeout {
		t.Fatalf("err = %v, want ErrFlowTimeout", err)
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
