// Package sandbox assembles and runs hardened, single-use Docker containers
// for untrusted pack code (component phases, python_file_call flow steps).
package sandbox

import (
	"fmt"
	"strconv"
)

// Security baseline constants. These are the non-negotiable floor for any
// container this package runs; callers may tighten (lower pids_limit, add
// ulimits) but nothing in this package widens them.
const (
	DefaultMemory     = "256m"
	DefaultMemorySwap = "256m"
	DefaultCPUs       = "0.5"
	DefaultPidsLimit  = 50
	DefaultUser       = "65534:65534"
	DefaultNetwork    = "none"
	DefaultTmpfs      = "/tmp:size=64m,noexec,nosuid"
)

// RunBuilder assembles a `docker run` argument list with a fixed security
// baseline (no network, all capabilities dropped, read-only rootfs, resource
// caps). It never executes anything itself; Build returns the argument slice
// for the caller to hand to exec.Command.
type RunBuilder struct {
	name      string
	pidsLimit int
	user      string
	network   string
	ulimits   []string
	volumes   []string
	envs      [][2]string
	groupAdds []int
	workdir   string
	hasWorkdir bool
	labels    [][2]string
	image     string
	command   []string
}

// NewRunBuilder starts a builder for a container named name, seeded with the
// security baseline defaults.
func NewRunBuilder(name string) *RunBuilder {
	return &RunBuilder{
		name:      name,
		pidsLimit: DefaultPidsLimit,
		user:      DefaultUser,
		network:   DefaultNetwork,
	}
}

func (b *RunBuilder) Network(net string) *RunBuilder {
	b.network = net
	return b
}

func (b *RunBuilder) PidsLimit(limit int) *RunBuilder {
	b.pidsLimit = limit
	return b
}

func (b *RunBuilder) User(user string) *RunBuilder {
	b.user = user
	return b
}

func (b *RunBuilder) Ulimit(spec string) *RunBuilder {
	b.ulimits = append(b.ulimits, spec)
	return b
}

func (b *RunBuilder) Volume(mountSpec string) *RunBuilder {
	b.volumes = append(b.volumes, mountSpec)
	return b
}

// SecretFile mounts a host file read-only into the container. Secrets travel
// as file mounts, never as env vars, so they don't leak through
// `docker inspect` or /proc/<pid>/environ.
func (b *RunBuilder) SecretFile(hostPath, containerPath string) *RunBuilder {
	b.volumes = append(b.volumes, fmt.Sprintf("%s:%s:ro", hostPath, containerPath))
	return b
}

func (b *RunBuilder) Env(key, value string) *RunBuilder {
	b.envs = append(b.envs, [2]string{key, value})
	return b
}

func (b *RunBuilder) GroupAdd(gid int) *RunBuilder {
	b.groupAdds = append(b.groupAdds, gid)
	return b
}

func (b *RunBuilder) Workdir(path string) *RunBuilder {
	b.workdir = path
	b.hasWorkdir = true
	return b
}

func (b *RunBuilder) Label(key, value string) *RunBuilder {
	b.labels = append(b.labels, [2]string{key, value})
	return b
}

func (b *RunBuilder) Image(img string) *RunBuilder {
	b.image = img
	return b
}

func (b *RunBuilder) Command(cmd []string) *RunBuilder {
	b.command = append([]string(nil), cmd...)
	return b
}

// Build returns the full `docker run ...` argument list, in a fixed order:
// baseline flags, pids-limit/user, then ulimits, volumes, envs, group-adds,
// workdir, labels, and finally the image and command.
func (b *RunBuilder) Build() ([]string, error) {
	if b.image == "" {
		return nil, fmt.Errorf("sandbox: image is required: call .Image(...) before .Build()")
	}

	cmd := []string{
		"docker", "run",
		"--rm",
		"--name", b.name,
		"--network=" + b.network,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges:true",
		"--read-only",
	}

	// DNS leak defense: pin DNS when there's no network to leak over anyway.
	if b.network == "none" {
		cmd = append(cmd, "--dns=127.0.0.1")
	}

	cmd = append(cmd,
		"--tmpfs="+DefaultTmpfs,
		"--memory="+DefaultMemory,
		"--memory-swap="+DefaultMemorySwap,
		"--cpus="+DefaultCPUs,
		"--pids-limit="+strconv.Itoa(b.pidsLimit),
		"--user="+b.user,
	)

	for _, spec := range b.ulimits {
		cmd = append(cmd, "--ulimit="+spec)
	}
	for _, mountSpec := range b.volumes {
		cmd = append(cmd, "-v", mountSpec)
	}
	for _, kv := range b.envs {
		cmd = append(cmd, "-e", kv[0]+"="+kv[1])
	}
	for _, gid := range b.groupAdds {
		cmd = append(cmd, "--group-add", strconv.Itoa(gid))
	}
	if b.hasWorkdir {
		cmd = append(cmd, "-w", b.workdir)
	}
	for _, kv := range b.labels {
		cmd = append(cmd, "--label", kv[0]+"="+kv[1])
	}

	cmd = append(cmd, b.image)
	cmd = append(cmd, b.command...)
	return cmd, nil
}
