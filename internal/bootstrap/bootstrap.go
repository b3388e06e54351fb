// Package bootstrap constructs the full kernel dependency graph from a
// config.Config, shared by cmd/rumikernel and cmd/rumikernel-admin so
// neither binary wires the same components two different ways.
package bootstrap

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"rumikernel/internal/applier"
	"rumikernel/internal/approval"
	"rumikernel/internal/auditlog"
	"rumikernel/internal/compose"
	"rumikernel/internal/config"
	"rumikernel/internal/di"
	"rumikernel/internal/dockercap"
	"rumikernel/internal/flow"
	"rumikernel/internal/grants"
	"rumikernel/internal/iface"
	"rumikernel/internal/installer"
	"rumikernel/internal/kernel"
	"rumikernel/internal/lifecycle"
	"rumikernel/internal/logging"
	"rumikernel/internal/modifier"
	"rumikernel/internal/paths"
	"rumikernel/internal/registry"
	"rumikernel/internal/sandbox"
	"rumikernel/internal/signing"
	"rumikernel/internal/uds"
	"rumikernel/internal/usage"
)

// Deps bundles every constructed component a CLI or HTTP surface needs,
// beyond what kernel.Deps itself already holds.
type Deps struct {
	Config     *config.Config
	Resolver   *paths.Resolver
	Registry   *registry.Registry
	Approval   *approval.Manager
	Audit      *auditlog.Log
	Applier    *applier.Applier
	Watcher    *applier.Watcher
	Pip        *installer.PipInstaller
	Capability *installer.CapabilityInstaller
	Lib        *installer.LibExecutor
	Egress     *uds.EgressManager
	CapProxy   *uds.CapabilityManager
	DockerCap  *dockercap.Handler
	Sandbox    *sandbox.Executor
	Kernel     *kernel.Kernel

	// Container holds every service below under its registered name, for
	// callers that want generic lookup (diagnostics, a "list services"
	// admin route) instead of a typed Deps field.
	Container *di.Container
}

func loadSigningKey(cfg *config.Config, resolver *paths.Resolver) (*signing.Signer, error) {
	if err := os.MkdirAll(filepath.Dir(resolver.SecretKeyFile()), 0o755); err != nil {
		return nil, err
	}
	key, err := signing.LoadOrGenerateKey(cfg.Signing.SecretEnv, resolver.SecretKeyFile())
	if err != nil {
		return nil, err
	}
	return signing.New([]byte(key)), nil
}

// discoveredPack is one pack directory found under Packs(), with its
// parsed manifest. Directories without a readable ecosystem.json are not
// packs and are skipped; a malformed ecosystem.json yields a zero-value
// Manifest whose Identity defaults to the directory name.
type discoveredPack struct {
	packID   string
	packDir  string
	manifest registry.Manifest
}

func discoverPacks(resolver *paths.Resolver) []discoveredPack {
	root := resolver.Packs()
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []discoveredPack
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		packID := e.Name()
		packDir := filepath.Join(root, packID)
		data, err := os.ReadFile(filepath.Join(packDir, "ecosystem.json"))
		if err != nil {
			continue
		}
		var manifest registry.Manifest
		_ = json.Unmarshal(data, &manifest)
		if manifest.Identity == "" {
			manifest.Identity = packID
		}
		out = append(out, discoveredPack{packID: packID, packDir: packDir, manifest: manifest})
	}
	return out
}

// Build constructs every kernel dependency rooted at workspace, loading
// configPath (or falling back to defaults if it does not exist).
func Build(workspace, configPath string) (*Deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	root := workspace
	if cfg.Paths.WorkspaceRoot != "." && cfg.Paths.WorkspaceRoot != "" {
		root = cfg.Paths.WorkspaceRoot
	}
	resolver := paths.New(root)

	for _, dir := range []string{resolver.Packs(), resolver.Settings(), resolver.PermissionsDir(), resolver.AuditDir(), resolver.PackStaging(), resolver.PackBackups(), resolver.UDSBaseDir()} {
		_ = os.MkdirAll(dir, 0o755)
	}

	signer, err := loadSigningKey(cfg, resolver)
	if err != nil {
		return nil, err
	}

	audit := auditlog.New(resolver.AuditDir())
	approvalMgr := approval.New(resolver.Packs(), resolver.PackGrants(), signer)
	_ = approvalMgr.Initialize()

	network := grants.NewNetworkManager(resolver.NetworkGrants(), signer, audit)
	secrets := grants.NewSecretManager(resolver.SecretGrants(), signer, audit)
	hostPriv := grants.NewHostPrivilegeManager()
	capability := grants.NewCapabilityManager(resolver.CapabilityGrants(), signer, audit)
	usageStore := usage.New(resolver.CapabilityUsage(), signer, audit)

	reg := iface.New(audit, false)
	sandboxExec := sandbox.NewExecutor()
	dockerCap := dockercap.New(audit)

	flowLoader := flow.New(resolver.OfficialFlows(), resolver.EcosystemFlows())
	flowLoader.LoadAll()

	modApplier := modifier.New(reg, audit, false)
	composer := compose.New(compose.NewAliasRegistry())

	packRegistry := registry.New()
	packs := discoverPacks(resolver)
	var pipDeps []installer.PackDependencies
	var capManifests []installer.PackManifest
	var libLocations []installer.PackLocation
	for _, p := range packs {
		packRegistry.Put(p.packDir, p.manifest)
		pipDeps = append(pipDeps, installer.PackDependencies{PackID: p.packID, Dependencies: p.manifest.Dependencies})
		capManifests = append(capManifests, installer.PackManifest{PackID: p.packID, Capabilities: p.manifest.Capabilities})
		libLocations = append(libLocations, installer.PackLocation{PackID: p.packID, PackDir: p.packDir})
	}

	applyDiscoveredModifiers(resolver, approvalMgr, audit, packs, flowLoader, modApplier)

	journal := lifecycle.NewJournal(lifecycle.JournalConfig{
		Path:         resolver.InstallJournal(),
		AllowedRoots: []string{resolver.Packs()},
	})
	diag := lifecycle.NewDiagnostics()
	lifecycleExec := lifecycle.NewExecutor(packRegistry, sandboxExec, diag, journal)

	egress := uds.NewEgressManager(resolver.UDSBaseDir(), network)
	capProxy := uds.NewCapabilityManager(resolver.UDSBaseDir(), secrets, capability, dockerCap, usageStore, nil)

	packApplier := applier.New(resolver.Packs(), resolver.PackBackups(), resolver.PackStaging(), approvalMgr, audit)
	packWatcher, err := applier.NewWatcher(resolver.Packs(), approvalMgr)
	if err != nil {
		logging.For("bootstrap").Warn("pack directory watch disabled", zap.Error(err))
	} else {
		go packWatcher.Run()
	}
	pipInstaller := installer.NewPipInstaller(filepath.Join(resolver.Settings(), "pip_candidates.json"), audit)
	capInstaller := installer.NewCapabilityInstaller(filepath.Join(resolver.Settings(), "capability_candidates.json"), audit, network, secrets, hostPriv, capability)
	libExecutor := installer.NewLibExecutor(filepath.Join(resolver.Settings(), "lib_execution_records.json"), sandboxExec, approvalMgr, audit)

	pipInstaller.ScanCandidates(pipDeps)
	capInstaller.ScanCandidates(capManifests)

	k := kernel.New(kernel.Deps{
		Registry:   reg,
		Audit:      audit,
		Approval:   approvalMgr,
		Network:    network,
		Secrets:    secrets,
		Capability: capability,
		HostPriv:   hostPriv,
		Usage:      usageStore,
		FlowLoader: flowLoader,
		ModApplier: modApplier,
		Composer:   composer,
		DockerCap:  dockerCap,
		Lifecycle:  lifecycleExec,
		Egress:     egress,
		CapProxy:   capProxy,
		Sandbox:    sandboxExec,
		Paths:      resolver,
	})

	_ = libLocations // reserved for a periodic lib sweep alongside serve's scheduler loop

	// Register, not SetInstance: RegisteredNames/Has only consult the
	// factory map (ported faithfully from the original container), so a
	// service installed via SetInstance alone would be gettable but
	// invisible to both. Registering a factory that closes over the
	// already-built value keeps the container's own bookkeeping honest
	// while still constructing each service exactly once, here.
	container := di.New()
	container.Register("config", func() any { return cfg })
	container.Register("paths", func() any { return resolver })
	container.Register("audit", func() any { return audit })
	container.Register("approval", func() any { return approvalMgr })
	container.Register("network", func() any { return network })
	container.Register("secrets", func() any { return secrets })
	container.Register("host_privilege", func() any { return hostPriv })
	container.Register("capability", func() any { return capability })
	container.Register("usage", func() any { return usageStore })
	container.Register("iface_registry", func() any { return reg })
	container.Register("sandbox", func() any { return sandboxExec })
	container.Register("dockercap", func() any { return dockerCap })
	container.Register("flow_loader", func() any { return flowLoader })
	container.Register("modifier_applier", func() any { return modApplier })
	container.Register("composer", func() any { return composer })
	container.Register("pack_registry", func() any { return packRegistry })
	container.Register("lifecycle_executor", func() any { return lifecycleExec })
	container.Register("egress", func() any { return egress })
	container.Register("capability_proxy", func() any { return capProxy })
	container.Register("applier", func() any { return packApplier })
	container.Register("pack_watcher", func() any { return packWatcher })
	container.Register("pip_installer", func() any { return pipInstaller })
	container.Register("capability_installer", func() any { return capInstaller })
	container.Register("lib_executor", func() any { return libExecutor })
	container.Register("kernel", func() any { return k })

	return &Deps{
		Config:     cfg,
		Resolver:   resolver,
		Registry:   packRegistry,
		Approval:   approvalMgr,
		Audit:      audit,
		Applier:    packApplier,
		Watcher:    packWatcher,
		Pip:        pipInstaller,
		Capability: capInstaller,
		Lib:        libExecutor,
		Egress:     egress,
		CapProxy:   capProxy,
		DockerCap:  dockerCap,
		Sandbox:    sandboxExec,
		Kernel:     k,
		Container:  container,
	}, nil
}

const (
	envLocalPackMode      = "RUMI_LOCAL_PACK_MODE"
	envAllowWildcardMods  = "RUMI_ALLOW_WILDCARD_MODIFIERS"
	localPackModeApproval = "require_approval"
)

// discoverModifiers loads every "*.modifier.yaml" this kernel is willing
// to trust, in discovery-precedence order: the shared directory
// unconditionally, each approved-and-hash-verified pack's own modifiers
// directory, then (only under the legacy env gate) the deprecated
// ecosystem-wide directory.
func discoverModifiers(resolver *paths.Resolver, approvalMgr *approval.Manager, audit *auditlog.Log, packs []discoveredPack) []*modifier.Def {
	var defs []*modifier.Def
	logErrors := func(dir string, errs []error) {
		for _, e := range errs {
			logging.For("bootstrap").Warn("modifier load error", zap.String("dir", dir), zap.Error(e))
		}
	}

	shared, errs := modifier.LoadDirectory(resolver.SharedModifiers(), "")
	defs = append(defs, shared...)
	logErrors(resolver.SharedModifiers(), errs)

	for _, p := range packs {
		status, ok := approvalMgr.GetStatus(p.packID)
		if !ok || status != approval.StatusApproved {
			continue
		}
		if !approvalMgr.VerifyHash(p.packID) {
			continue
		}
		packMods, errs := modifier.LoadDirectory(resolver.PackModifiers(p.packID), p.packID)
		defs = append(defs, packMods...)
		logErrors(resolver.PackModifiers(p.packID), errs)
	}

	if os.Getenv(envLocalPackMode) == localPackModeApproval {
		if status, ok := approvalMgr.GetStatus(installer.LocalPackID); ok && status == approval.StatusApproved {
			logging.For("bootstrap").Warn("loading modifiers from the deprecated legacy directory; use user_data/shared/flows/modifiers instead",
				zap.String("dir", resolver.LegacyModifiers()))
			legacy, errs := modifier.LoadDirectory(resolver.LegacyModifiers(), installer.LocalPackID)
			defs = append(defs, legacy...)
			logErrors(resolver.LegacyModifiers(), errs)
		}
	}

	for _, d := range defs {
		if d.TargetFlowID != "*" {
			continue
		}
		logging.For("bootstrap").Warn("modifier targets every flow", zap.String("modifier_id", d.ModifierID))
		_ = audit.Append(auditlog.Event{
			Type:    auditlog.EventSystem,
			Action:  "wildcard_modifier_loaded",
			Success: true,
			Details: map[string]any{"modifier_id": d.ModifierID, "source_pack_id": d.SourcePackID},
		})
	}

	return defs
}

// applyDiscoveredModifiers runs every loaded flow through modApplier with
// its matching discovered modifiers, replacing the loader's raw parse
// with the modified definition before anything else observes it.
func applyDiscoveredModifiers(resolver *paths.Resolver, approvalMgr *approval.Manager, audit *auditlog.Log, packs []discoveredPack, flowLoader *flow.Loader, modApplier *modifier.Applier) {
	defs := discoverModifiers(resolver, approvalMgr, audit, packs)
	if len(defs) == 0 {
		return
	}

	allowWildcard := os.Getenv(envAllowWildcardMods) == "true"
	packAllowsWildcard := make(map[string]bool, len(packs))
	for _, p := range packs {
		packAllowsWildcard[p.packID] = p.manifest.AllowWildcardModifiers
	}
	wildcardAllowed := func(d *modifier.Def) bool {
		return allowWildcard || packAllowsWildcard[d.SourcePackID]
	}

	for flowID, def := range flowLoader.GetLoadedFlows() {
		matched := modifier.FilterForFlow(defs, flowID, wildcardAllowed)
		if len(matched) == 0 {
			continue
		}
		newDef, _ := modApplier.Apply(def, matched)
		flowLoader.SetFlow(flowID, newDef)
	}
}
