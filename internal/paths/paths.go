// Package paths resolves the well-known directories and files the kernel
// reads and writes under a workspace root. It has no dependencies on any
// other kernel package, matching the original runtime's leaf-component
// layering for path resolution.
package paths

import "path/filepath"

// Resolver computes paths rooted at a workspace directory.
type Resolver struct {
	root string
}

// New returns a Resolver rooted at root.
func New(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the workspace root.
func (r *Resolver) Root() string { return r.root }

// Packs returns the directory holding installed pack bundles.
func (r *Resolver) Packs() string { return filepath.Join(r.root, "packs") }

// Pack returns the installation directory for a single pack.
func (r *Resolver) Pack(packID string) string { return filepath.Join(r.Packs(), packID) }

// OfficialFlows returns the directory of kernel-shipped *.flow.yaml files.
func (r *Resolver) OfficialFlows() string { return filepath.Join(r.root, "flows") }

// EcosystemFlows returns the directory of pack-contributed *.flow.yaml files.
func (r *Resolver) EcosystemFlows() string {
	return filepath.Join(r.root, "ecosystem", "flows")
}

// SharedModifiers returns the directory of *.modifier.yaml files loaded
// unconditionally, ahead of any pack approval.
func (r *Resolver) SharedModifiers() string {
	return filepath.Join(r.UserData(), "shared", "flows", "modifiers")
}

// PackModifiers returns the *.modifier.yaml directory a single pack
// contributes, loaded only once that pack is approved and hash-verified.
func (r *Resolver) PackModifiers(packID string) string {
	return filepath.Join(r.Pack(packID), "flows", "modifiers")
}

// LegacyModifiers returns the deprecated ecosystem-wide modifiers
// directory, loaded only under RUMI_LOCAL_PACK_MODE=require_approval.
func (r *Resolver) LegacyModifiers() string {
	return filepath.Join(r.EcosystemFlows(), "modifiers")
}

// UserData returns the root of all persisted runtime state.
func (r *Resolver) UserData() string { return filepath.Join(r.root, "user_data") }

// Settings returns the directory holding kernel settings (grants, usage,
// audit logs).
func (r *Resolver) Settings() string { return filepath.Join(r.UserData(), "settings") }

// PermissionsDir returns the root of all grant/usage/audit state, mirroring
// the original runtime's user_data/permissions layout.
func (r *Resolver) PermissionsDir() string {
	return filepath.Join(r.UserData(), "permissions")
}

// NetworkGrants returns the directory of per-pack network grant files.
func (r *Resolver) NetworkGrants() string {
	return filepath.Join(r.PermissionsDir(), "network")
}

// SecretGrants returns the directory of per-pack secret grant files.
func (r *Resolver) SecretGrants() string {
	return filepath.Join(r.PermissionsDir(), "secrets")
}

// HostPrivilegeGrants returns the path reserved for host-privilege grant
// files. HostPrivilegeManager keeps its grants in memory and writes
// nothing here.
func (r *Resolver) HostPrivilegeGrants() string {
	return filepath.Join(r.PermissionsDir(), "host_privilege")
}

// CapabilityUsage returns the directory of per-principal usage records.
func (r *Resolver) CapabilityUsage() string {
	return filepath.Join(r.PermissionsDir(), "capability_usage")
}

// CapabilityGrants returns the directory of per-pack docker capability
// grant files.
func (r *Resolver) CapabilityGrants() string {
	return filepath.Join(r.PermissionsDir(), "capability")
}

// PackGrants returns the directory of pack-approval (*.grants.json) files.
func (r *Resolver) PackGrants() string {
	return filepath.Join(r.PermissionsDir(), "packs")
}

// SecretKeyFile returns the path to the persisted HMAC secret key.
func (r *Resolver) SecretKeyFile() string {
	return filepath.Join(r.PermissionsDir(), ".secret_key")
}

// AuditDir returns the directory of daily audit JSONL files.
func (r *Resolver) AuditDir() string {
	return filepath.Join(r.Settings(), "audit")
}

// InstallJournal returns the path to the pack-install lifecycle journal.
func (r *Resolver) InstallJournal() string {
	return filepath.Join(r.Settings(), "install_journal.jsonl")
}

// UDSBaseDir returns the directory under which per-pack egress and
// per-principal capability Unix-domain sockets are created.
func (r *Resolver) UDSBaseDir() string {
	return filepath.Join(r.root, "run")
}

// PackStaging returns the directory where an uploaded pack bundle is
// unpacked for inspection before being applied into Packs().
func (r *Resolver) PackStaging() string {
	return filepath.Join(r.UserData(), "pack_staging")
}

// PackBackups returns the directory where a pack's previous installed
// contents are preserved before an apply overwrites it.
func (r *Resolver) PackBackups() string {
	return filepath.Join(r.UserData(), "pack_backups")
}
