package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/agentwarden/internal/config"
)

func TestWriteYAMLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeYAML(&buf, appconfig.Default()); err != nil {
		t.Fatalf("writeYAML failed: %v", err)
	}

	var got appconfig.Config
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if got.Orchestrator.TimeoutAction != "retry" {
		t.Errorf("timeout_action = %q, want retry", got.Orchestrator.TimeoutAction)
	}
	if len(got.Agents.Tools) != 1 || got.Agents.Tools[0].Name != "claude" {
		t.Errorf("tools = %+v", got.Agents.Tools)
	}
	if !strings.Contains(buf.String(), "launch_guard:") {
		t.Error("expected snake_case section names in output")
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	initPath, initForce = path, false
	t.Cleanup(func() { initPath, initForce = "", false })

	if err := runConfigInit(cmd, nil); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# agentwarden configuration") {
		t.Errorf("config file missing header:\n%s", data)
	}

	if err := runConfigInit(cmd, nil); err == nil {
		t.Error("second init without --force should fail")
	}
	initForce = true
	if err := runConfigInit(cmd, nil); err != nil {
		t.Errorf("init with --force failed: %v", err)
	}
}
