package sandbox

import (
	"strings"
	"testing"
)

func TestRunBuilderRequiresImage(t *testing.T) {
	_, err := NewRunBuilder("c").Build()
	if err == nil {
		t.Fatal("expected error when image is unset")
	}
}

func TestRunBuilderSecurityBaseline(t *testing.T) {
	cmd, err := NewRunBuilder("my-container").
		Volume("/host:/container:ro").
		Env("KEY", "VALUE").
		Label("rumi.managed", "true").
		Image("python:3.11-slim").
		Command([]string{"python", "/executor.py", "main.py"}).
		Build()
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}

	joined := strings.Join(cmd, " ")
	for _, want := range []string{
		"docker run", "--rm", "--name my-container",
		"--network=none", "--cap-drop=ALL",
		"--security-opt=no-new-privileges:true", "--read-only",
		"--dns=127.0.0.1",
		"--tmpfs=/tmp:size=64m,noexec,nosuid",
		"--memory=256m", "--memory-swap=256m", "--cpus=0.5",
		"--pids-limit=50", "--user=65534:65534",
		"-v /host:/container:ro",
		"-e KEY=VALUE",
		"--label rumi.managed=true",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("command %q missing %q", joined, want)
		}
	}
	if cmd[len(cmd)-3] != "python:3.11-slim" {
		t.Fatalf("expected image right before command, got %v", cmd)
	}
}

func TestRunBuilderOmitsDNSPinWhenNetworked(t *testing.T) {
	cmd, err := NewRunBuilder("c").Network("bridge").Image("img").Build()
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	for _, arg := range cmd {
		if arg == "--dns=127.0.0.1" {
			t.Fatal("--dns=127.0.0.1 must only be set when network=none")
		}
	}
}

func TestRunBuilderSecretFileMountsReadOnly(t *testing.T) {
	cmd, err := NewRunBuilder("c").SecretFile("/tmp/s", "/run/secrets/s").Image("img").Build()
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "-v /tmp/s:/run/secrets/s:ro") {
		t.Fatalf("expected read-only secret mount, got %q", joined)
	}
}

func TestRunBuilderCustomPidsLimitAndUser(t *testing.T) {
	cmd, err := NewRunBuilder("c").PidsLimit(10).User("1000:1000").Image("img").Build()
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "--pids-limit=10") || !strings.Contains(joined, "--user=1000:1000") {
		t.Fatalf("expected overridden pids-limit/user, got %q", joined)
	}
}
