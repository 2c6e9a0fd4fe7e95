package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.yaml")
	body := "frame:\n  target_fps: 30\ntriggers:\n  jobs:\n    - name: tick\n      schedule: \"@every 10s\"\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "check-config", "--config", p)
	if err != nil {
		t.Fatalf("check-config: %v\n%s", err, out)
	}
	for _, want := range []string{"ok", "target_fps: 30", "tick", "post_update"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if err := os.WriteFile(p, []byte("frame:\n  bogus: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "check-config", "--config", p); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.Contains(out, version) {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestRunWithFrameLimit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.json")
	if err := os.WriteFile(p, []byte(`{"logging":{"level":"error"},"frame":{"target_fps":-1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if out, err := execute(t, "run", "--config", p, "--frames", "3"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
}
