package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigInitWritesSample(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "config.toml")

	out, _, err := runCLI(t, target, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("unexpected init output: %q", out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[generator]") {
		t.Fatalf("sample config missing generator section: %q", string(data))
	}

	if _, _, err := runCLI(t, target, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init over existing file to fail")
	}

	if _, _, err := runCLI(t, target, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigValidateAndShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "config", "validate", "--path", env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected validate output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "config", "show", "--path", env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"Data dir", "validate", "document", "specify", "generate", "verify"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config show missing %q: %q", want, out)
		}
	}
}

func TestConfigValidateRejectsBadPolicy(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "config.toml")
	content := "[stages.validate]\nauto_approve_threshold = 0.5\nreject_floor = 0.9\n"
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, err := runCLI(t, target, "config", "validate", "--path", target); err == nil {
		t.Fatal("expected validation to fail when reject floor exceeds threshold")
	}
}
