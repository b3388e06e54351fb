package kernel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/flow"
	"rumikernel/internal/iface"
)

func newSystemEvent(action string, success bool, details map[string]any) auditlog.Event {
	return auditlog.Event{
		Timestamp: time.Now().UTC(),
		Type:      auditlog.EventSystem,
		Action:    action,
		Success:   success,
		Details:   details,
	}
}

// MaxFlowChainDepth bounds sub-flow call nesting; exceeding it aborts with
// an error rather than overflowing the goroutine stack on a runaway cycle.
const MaxFlowChainDepth = 10

// ErrFlowTimeout is returned by ExecuteFlow when a flow does not finish
// within its deadline. The context returned with it is a fresh base
// context carrying _flow_id and _flow_timeout; it holds none of the
// outputs of steps that completed before the deadline, and the flow's
// goroutine keeps running to completion in the background.
var ErrFlowTimeout = fmt.Errorf("kernel: flow execution timed out")

// ExecuteFlow runs flowID to completion or until timeout elapses,
// whichever comes first. Unlike the loop-detection dance an asyncio
// runtime needs, a deadline here is just a timer racing the call.
func (k *Kernel) ExecuteFlow(flowID string, input map[string]any, timeout time.Duration) (Ctx, error) {
	type outcome struct {
		ctx Ctx
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ctx, err := k.executeFlowInternal(flowID, input, nil)
		done <- outcome{ctx, err}
	}()

	if timeout <= 0 {
		o := <-done
		return o.ctx, o.err
	}

	select {
	case o := <-done:
		return o.ctx, o.err
	case <-time.After(timeout):
		tctx := k.buildContext()
		tctx["_flow_id"] = flowID
		tctx["_flow_timeout"] = true
		return tctx, ErrFlowTimeout
	}
}

func (k *Kernel) lookupFlow(flowID string) (*flow.Definition, bool) {
	if k.flowLoader != nil {
		if def, ok := k.flowLoader.GetFlow(flowID); ok {
			return def, true
		}
	}
	if k.registry != nil {
		if v := k.registry.Get("flow."+flowID, iface.StrategyLast); v != nil {
			if def, ok := v.(*flow.Definition); ok {
				return def, true
			}
		}
	}
	return nil, false
}

func (k *Kernel) executeFlowInternal(flowID string, input map[string]any, callStack []string) (Ctx, error) {
	ctx := k.buildContext()
	for key, v := range input {
		ctx[key] = v
	}
	ctx["_flow_id"] = flowID
	ctx["_flow_execution_id"] = uuid.NewString()
	ctx["_flow_timeout"] = false

	if len(callStack) >= MaxFlowChainDepth {
		ctx["_error"] = fmt.Sprintf("flow chain depth exceeded at %q", flowID)
		return ctx, fmt.Errorf("kernel: flow chain depth exceeded at %q", flowID)
	}
	for _, seen := range callStack {
		if seen == flowID {
			ctx["_error"] = fmt.Sprintf("recursive flow call detected at %q", flowID)
			return ctx, fmt.Errorf("kernel: recursive flow call detected at %q", flowID)
		}
	}

	def, ok := k.lookupFlow(flowID)
	if !ok {
		ctx["_error"] = fmt.Sprintf("flow %q not found", flowID)
		return ctx, fmt.Errorf("kernel: flow %q not found", flowID)
	}

	if k.registry != nil {
		originalKey := "flow._original." + flowID
		if k.registry.Get(originalKey, iface.StrategyLast) == nil {
			_ = k.registry.Register(originalKey, def.CloneSteps(), map[string]any{"source": "kernel"})
		}
	}
	if _, overridden := ctx["_fail_soft"]; !overridden {
		ctx["_fail_soft"] = def.Defaults.FailSoft
	}

	callStack = append(append([]string{}, callStack...), flowID)
	steps := def.Steps
	ctx["_total_steps"] = len(steps)

	resultCtx, err := k.executeSteps(steps, ctx, callStack)
	return resultCtx, err
}

// executeSteps runs a flow's (already phase/priority-sorted) step list in
// order against ctx, mutating and returning it.
func (k *Kernel) executeSteps(steps []flow.Step, ctx Ctx, callStack []string) (Ctx, error) {
	executed := map[string]bool{}

	for _, step := range steps {
		if truthy(ctx["_flow_timeout"]) {
			break
		}

		if step.When != "" && !k.evalCondition(step.When, ctx) {
			continue
		}

		if step.OwnerPack != "" && k.disabled.Packs[step.OwnerPack] {
			k.logStepSkip(step, "owner pack is disabled: "+step.OwnerPack)
			continue
		}

		if ok, missing := dependsSatisfied(step, executed); !ok {
			if k.failSoft(ctx) {
				k.logStepSkip(step, "depends_on not satisfied: "+missing)
				continue
			}
			k.logStepAbort(step, "depends_on not satisfied: "+missing)
			return ctx, nil
		}

		switch k.runHooks("flow.hooks.before_step", step, ctx) {
		case hookAbort:
			return ctx, nil
		case hookSkip:
			continue
		}

		result, stepErr := k.dispatchStep(step, ctx, callStack)

		if stepErr != nil {
			action := k.handleStepError(step, ctx, stepErr)
			switch action {
			case "abort":
				return ctx, nil
			case "retry":
				// The original runtime's "retry" never re-executes the
				// step; it just advances without marking it executed.
				continue
			default: // "continue"
				continue
			}
		}

		if truthy(ctx["_flow_control_abort"]) {
			return ctx, nil
		}

		if step.Output != "" {
			ctx[step.Output] = result
		}

		k.runHooks("flow.hooks.after_step", step, ctx)
		executed[step.ID] = true
	}

	return ctx, nil
}

type hookSignal int

const (
	hookNone hookSignal = iota
	hookSkip
	hookAbort
)

// runHooks invokes every registered hook under key in registration order,
// looking for a {"_skip": true} or {"_abort": true} signal in any result.
func (k *Kernel) runHooks(key string, step flow.Step, ctx Ctx) hookSignal {
	if k.registry == nil {
		return hookNone
	}
	raw := k.registry.Get(key, iface.StrategyAll)
	hooks, _ := raw.([]any)
	for _, h := range hooks {
		fn, ok := h.(HandlerFunc)
		if !ok {
			continue
		}
		result, err := fn(map[string]any{"step": step}, ctx)
		if err != nil {
			continue
		}
		if m, ok := result.(map[string]any); ok {
			if truthy(m["_abort"]) {
				return hookAbort
			}
			if truthy(m["_skip"]) {
				return hookSkip
			}
		}
	}
	return hookNone
}

func (k *Kernel) failSoft(ctx Ctx) bool {
	if v, ok := ctx["_fail_soft"]; ok {
		return truthy(v)
	}
	return true
}

func dependsSatisfied(step flow.Step, executed map[string]bool) (bool, string) {
	for _, dep := range step.DependsOn {
		if !executed[dep] {
			return false, dep
		}
	}
	return true, ""
}

func (k *Kernel) dispatchStep(step flow.Step, ctx Ctx, callStack []string) (any, error) {
	switch step.Type {
	case "handler":
		return k.executeHandlerStep(step, ctx)
	case "flow":
		return k.executeSubFlowStep(step, ctx, callStack)
	case "set":
		val := k.resolver.ResolveValue(step.Input, ctx, 0)
		return val, nil
	case "if":
		cond := step.When
		if cond == "" {
			if s, ok := step.Input.(string); ok {
				cond = s
			}
		}
		return k.evalCondition(cond, ctx), nil
	case "loop":
		return k.executeLoopStep(step, ctx, callStack)
	case "python_file_call":
		return k.executePythonFileCallStep(step, ctx)
	default:
		if k.registry != nil {
			if v := k.registry.Get("flow.construct."+step.Type, iface.StrategyLast); v != nil {
				if fn, ok := v.(HandlerFunc); ok {
					args := k.resolver.ResolveArgs(asMap(step.Input), ctx)
					return k.invokeHandler(fn, args, ctx)
				}
			}
		}
		return nil, fmt.Errorf("kernel: unknown step type %q", step.Type)
	}
}

// executePythonFileCallStep dispatches to whatever is registered under
// "flow.construct.python_file_call" (self-registered at kernel construction
// time once sandbox and paths dependencies are both present; see
// registerPythonFileCallConstruct). Step fields that live
// outside step.Input (file, owner_pack, principal_id, timeout_seconds) are
// folded into the resolved args so the handler sees one flat map.
func (k *Kernel) executePythonFileCallStep(step flow.Step, ctx Ctx) (any, error) {
	if k.registry != nil {
		if v := k.registry.Get("flow.construct.python_file_call", iface.StrategyLast); v != nil {
			if fn, ok := v.(HandlerFunc); ok {
				args := k.resolver.ResolveArgs(asMap(step.Input), ctx)
				if args == nil {
					args = map[string]any{}
				}
				args["file"] = step.File
				args["owner_pack"] = step.OwnerPack
				args["principal_id"] = step.PrincipalID
				args["timeout_seconds"] = step.TimeoutSeconds
				return k.invokeHandler(fn, args, ctx)
			}
		}
	}
	return nil, fmt.Errorf("kernel: no python_file_call executor registered for %q", step.File)
}

func (k *Kernel) executeLoopStep(step flow.Step, ctx Ctx, callStack []string) (any, error) {
	input := asMap(step.Input)
	rawSteps, _ := input["steps"].([]any)
	innerSteps := make([]flow.Step, 0, len(rawSteps))
	for _, s := range rawSteps {
		if m, ok := s.(map[string]any); ok {
			innerSteps = append(innerSteps, stepFromLoopMap(m))
		}
	}
	maxIterations := 100
	if v, ok := input["max_iterations"]; ok {
		if n, ok := toIntAny(v); ok {
			maxIterations = n
		}
	}
	exitWhen, _ := input["exit_when"].(string)

	for i := 0; i < maxIterations; i++ {
		if exitWhen != "" && k.evalCondition(exitWhen, ctx) {
			break
		}
		if _, err := k.executeSteps(innerSteps, ctx, callStack); err != nil {
			return nil, err
		}
		if truthy(ctx["_flow_control_abort"]) {
			break
		}
	}
	return nil, nil
}

func stepFromLoopMap(m map[string]any) flow.Step {
	id, _ := m["id"].(string)
	stepType, _ := m["type"].(string)
	when, _ := m["when"].(string)
	output, _ := m["output"].(string)
	handler, _ := m["handler"].(string)
	flowRef, _ := m["flow"].(string)
	return flow.Step{ID: id, Type: stepType, When: when, Input: m["input"], Output: output, Handler: handler, FlowRef: flowRef}
}

func toIntAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (k *Kernel) executeHandlerStep(step flow.Step, ctx Ctx) (any, error) {
	if step.Handler == "" {
		return nil, nil
	}
	fn := k.resolveHandler(step.Handler)
	if fn == nil {
		return nil, fmt.Errorf("kernel: unresolved handler %q", step.Handler)
	}
	args := k.resolver.ResolveArgs(asMap(step.Input), ctx)

	result, err := k.invokeHandler(fn, args, ctx)
	if err != nil {
		return nil, err
	}

	unwrapped := result
	if m, ok := result.(map[string]any); ok {
		if out, present := m["output"]; present {
			unwrapped = out
		}
	}

	if m, ok := unwrapped.(map[string]any); ok {
		if ctl, _ := m["__flow_control"].(string); ctl == "abort" {
			ctx["_flow_control_abort"] = true
			if reason, ok := m["reason"]; ok {
				ctx["_flow_control_abort_reason"] = reason
			}
		}
	}

	return unwrapped, nil
}

func (k *Kernel) executeSubFlowStep(step flow.Step, ctx Ctx, callStack []string) (any, error) {
	flowName := step.FlowRef
	if flowName == "" {
		return nil, nil
	}
	if len(callStack) >= MaxFlowChainDepth {
		return map[string]any{"_error": fmt.Sprintf("flow chain depth exceeded at %q", flowName)}, nil
	}
	for _, seen := range callStack {
		if seen == flowName {
			return map[string]any{"_error": fmt.Sprintf("recursive flow call detected at %q", flowName)}, nil
		}
	}

	def, ok := k.lookupFlow(flowName)
	if !ok {
		return map[string]any{"_error": fmt.Sprintf("flow %q not found", flowName)}, nil
	}

	childCtx := deepCopyCtx(ctx)
	childCtx["_flow_id"] = flowName
	resolvedArgs := k.resolver.ResolveArgs(asMap(step.Input), ctx)
	for key, v := range resolvedArgs {
		childCtx[key] = v
	}

	childStack := append(append([]string{}, callStack...), flowName)
	childCtx, err := k.executeSteps(def.Steps, childCtx, childStack)
	if err != nil {
		return map[string]any{"_error": err.Error()}, nil
	}

	var result any = childCtx
	if v, ok := childCtx["output"]; ok {
		result = v
	} else if v, ok := childCtx["result"]; ok {
		result = v
	}
	return result, nil
}

func deepCopyCtx(ctx Ctx) Ctx {
	out := make(Ctx, len(ctx))
	for k, v := range ctx {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

var conditionOpRe = regexp.MustCompile(`\s+(==|!=)\s+`)

// evalCondition evaluates a step's "when" expression: "$flow.x == value" or
// a bare truthy reference. The operator must be surrounded by whitespace
// so values like "a==b" embedded in a path are never mistaken for one.
func (k *Kernel) evalCondition(cond string, ctx Ctx) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}

	loc := conditionOpRe.FindStringSubmatchIndex(cond)
	if loc == nil {
		return truthy(k.resolver.ResolveValue(cond, ctx, 0))
	}

	lhs := strings.TrimSpace(cond[:loc[0]])
	op := cond[loc[2]:loc[3]]
	rhs := strings.TrimSpace(cond[loc[1]:])

	lv := k.resolver.ResolveValue(lhs, ctx, 0)
	rv := k.resolver.ResolveValue(rhs, ctx, 0)
	rv = coerceLike(lv, rv)

	eq := valuesEqual(lv, rv)
	if op == "==" {
		return eq
	}
	return !eq
}

func coerceLike(like, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch like.(type) {
	case bool:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case int, int64:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return int(n)
		}
	case float64:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return v
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v any) (float64, bool) {
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

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && strings.ToLower(t) != "false" && t != "0"
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func (k *Kernel) handleStepError(step flow.Step, ctx Ctx, stepErr error) string {
	if k.registry == nil {
		return k.defaultErrorAction(ctx)
	}
	v := k.registry.Get("flow.error_handler", iface.StrategyLast)
	fn, ok := v.(ErrorHandlerFunc)
	if !ok {
		k.logStepError(step, stepErr)
		return k.defaultErrorAction(ctx)
	}
	k.logStepError(step, stepErr)
	return fn(step, ctx, stepErr)
}

func (k *Kernel) defaultErrorAction(ctx Ctx) string {
	if k.failSoft(ctx) {
		return "continue"
	}
	return "abort"
}

func (k *Kernel) logStepError(step flow.Step, err error) {
	if k.audit == nil {
		return
	}
	_ = k.audit.Append(newSystemEvent("step_error", false, map[string]any{"step_id": step.ID, "error": err.Error()}))
}

func (k *Kernel) logStepSkip(step flow.Step, reason string) {
	if k.audit == nil {
		return
	}
	_ = k.audit.Append(newSystemEvent("step_skip", true, map[string]any{"step_id": step.ID, "reason": reason}))
}

func (k *Kernel) logStepAbort(step flow.Step, reason string) {
	if k.audit == nil {
		return
	}
	_ = k.audit.Append(newSystemEvent("step_abort", false, map[string]any{"step_id": step.ID, "reason": reason}))
}
