// Package kernel implements KernelCore and FlowExecutor: the engine that
// builds per-flow contexts, resolves $flow/$ctx/$env variables, and
// executes Flow step graphs with depends_on gating, sub-flow calls, hook
// callbacks, and error-handler dispatch. It hosts every built-in
// "kernel:*" handler. What a flow's steps actually accomplish is opaque
// to this package — it only dispatches handler invocations.
package kernel

import (
	"fmt"
	"strings"

	"rumikernel/internal/approval"
	"rumikernel/internal/auditlog"
	"rumikernel/internal/compose"
	"rumikernel/internal/dockercap"
	"rumikernel/internal/flow"
	"rumikernel/internal/grants"
	"rumikernel/internal/iface"
	"rumikernel/internal/lifecycle"
	"rumikernel/internal/modifier"
	"rumikernel/internal/paths"
	"rumikernel/internal/sandbox"
	"rumikernel/internal/uds"
	"rumikernel/internal/usage"
)

// HandlerFunc is the dispatch signature for both built-in "kernel:*"
// handlers and pack-provided handlers registered in the interface
// registry.
type HandlerFunc func(args map[string]any, ctx Ctx) (any, error)

// ErrorHandlerFunc decides how flow execution proceeds after a step's
// handler returns an error: "abort", "retry", or "continue".
type ErrorHandlerFunc func(step flow.Step, ctx Ctx, stepErr error) string

// handlerExecutorSlots bounds concurrent synchronous handler dispatch to
// a 4-slot pool.
const handlerExecutorSlots = 4

// Kernel wires every governance component together and exposes the flow
// execution engine that dispatches their handlers.
type Kernel struct {
	registry   *iface.Registry
	audit      *auditlog.Log
	approval   *approval.Manager
	network    *grants.NetworkManager
	secrets    *grants.SecretManager
	capability *grants.CapabilityManager
	hostPriv   *grants.HostPrivilegeManager
	usage      *usage.Store
	flowLoader *flow.Loader
	modApplier *modifier.Applier
	composer   *compose.Composer
	dockerCap  *dockercap.Handler
	lifecycle  *lifecycle.Executor
	egress     *uds.EgressManager
	capProxy   *uds.CapabilityManager
	sandbox    *sandbox.Executor
	paths      *paths.Resolver
	eventBus   *EventBus

	resolver *Resolver
	handlers map[string]HandlerFunc
	disabled *disabledTargets
	sem      chan struct{}
}

// Deps bundles the governance components a Kernel dispatches against.
// Every field is optional; an absent component's handlers become no-ops
// that report the component as unavailable rather than panicking.
type Deps struct {
	Registry   *iface.Registry
	Audit      *auditlog.Log
	Approval   *approval.Manager
	Network    *grants.NetworkManager
	Secrets    *grants.SecretManager
	Capability *grants.CapabilityManager
	HostPriv   *grants.HostPrivilegeManager
	Usage      *usage.Store
	FlowLoader *flow.Loader
	ModApplier *modifier.Applier
	Composer   *compose.Composer
	DockerCap  *dockercap.Handler
	Lifecycle  *lifecycle.Executor
	Egress     *uds.EgressManager
	CapProxy   *uds.CapabilityManager
	Sandbox    *sandbox.Executor
	Paths      *paths.Resolver
	EventBus   *EventBus
}

// New constructs a Kernel and registers its built-in "kernel:*" handler
// table.
func New(deps Deps) *Kernel {
	eventBus := deps.EventBus
	if eventBus == nil {
		eventBus = NewEventBus()
	}
	k := &Kernel{
		registry:   deps.Registry,
		audit:      deps.Audit,
		approval:   deps.Approval,
		network:    deps.Network,
		secrets:    deps.Secrets,
		capability: deps.Capability,
		hostPriv:   deps.HostPriv,
		usage:      deps.Usage,
		flowLoader: deps.FlowLoader,
		modApplier: deps.ModApplier,
		composer:   deps.Composer,
		dockerCap:  deps.DockerCap,
		lifecycle:  deps.Lifecycle,
		egress:     deps.Egress,
		capProxy:   deps.CapProxy,
		sandbox:    deps.Sandbox,
		paths:      deps.Paths,
		eventBus:   eventBus,
		resolver:   NewResolver(),
		handlers:   make(map[string]HandlerFunc),
		disabled:   newDisabledTargets(),
		sem:        make(chan struct{}, handlerExecutorSlots),
	}
	k.registerBuiltinHandlers()
	k.registerPythonFileCallConstruct()
	return k
}

// resolveHandler resolves a handler key, first against the built-in
// "kernel:*" table, then the interface registry.
func (k *Kernel) resolveHandler(key string) HandlerFunc {
	if key == "" {
		return nil
	}
	if strings.HasPrefix(key, "kernel:") {
		return k.handlers[key]
	}
	if v := k.registry.Get(key, iface.StrategyLast); v != nil {
		if fn, ok := v.(HandlerFunc); ok {
			return fn
		}
		if fn, ok := v.(func(map[string]any, Ctx) (any, error)); ok {
			return fn
		}
	}
	return nil
}

// invokeHandler runs fn through the bounded executor slot pool.
func (k *Kernel) invokeHandler(fn HandlerFunc, args map[string]any, ctx Ctx) (any, error) {
	k.sem <- struct{}{}
	defer func() { <-k.sem }()
	return fn(args, ctx)
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// RegisterHandler exposes a non-built-in handler under the interface
// registry, subject to the registry's own protected-key gate.
func (k *Kernel) RegisterHandler(key string, fn HandlerFunc, meta map[string]any) error {
	return k.registry.Register(key, fn, meta)
}

func notAvailable(component string) error {
	return fmt.Errorf("kernel: %s is not configured", component)
}
