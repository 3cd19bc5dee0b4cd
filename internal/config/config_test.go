package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWorkstationRequiresAuthKey(t *testing.T) {
	t.Setenv("WORKSTATION_AUTH_KEY", "")
	t.Setenv("WORKSPACES_ROOT", "/workspaces")

	if _, err := LoadWorkstation(); err == nil {
		t.Fatal("expected error for missing WORKSTATION_AUTH_KEY")
	}
}

func TestLoadWorkstationRequiresWorkspacesRoot(t *testing.T) {
	t.Setenv("WORKSTATION_AUTH_KEY", "secret")
	t.Setenv("WORKSPACES_ROOT", "")

	if _, err := LoadWorkstation(); err == nil {
		t.Fatal("expected error for missing WORKSPACES_ROOT")
	}
}

func TestLoadWorkstationParsesOptionalFields(t *testing.T) {
	t.Setenv("WORKSTATION_AUTH_KEY", "secret")
	t.Setenv("WORKSPACES_ROOT", "/workspaces")
	t.Setenv("TERMINAL_BUFFER_SIZE", "2000")
	t.Setenv("WORKSTATION_REDACT_VALUES", "sk-abc, token-xyz")

	w, err := LoadWorkstation()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if w.DefaultBufferSize != 2000 {
		t.Errorf("got buffer size %d, want 2000", w.DefaultBufferSize)
	}
	if len(w.RedactValues) != 2 || w.RedactValues[0] != "sk-abc" || w.RedactValues[1] != "token-xyz" {
		t.Errorf("got redact values %v", w.RedactValues)
	}
}

func TestLoadTunnelRequiresLongAPIKey(t *testing.T) {
	t.Setenv("TUNNEL_REGISTRATION_API_KEY", "too-short")
	if _, err := LoadTunnel(); err == nil {
		t.Fatal("expected error for short TUNNEL_REGISTRATION_API_KEY")
	}
}

func TestLoadTunnelDefaults(t *testing.T) {
	t.Setenv("TUNNEL_REGISTRATION_API_KEY", "this-key-is-at-least-32-characters-long")
	t.Setenv("PORT", "")
	t.Setenv("TUNNEL_STORAGE_PATH", "")

	tn, err := LoadTunnel()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if tn.ListenPort != "8080" {
		t.Errorf("got port %q, want 8080", tn.ListenPort)
	}
	if tn.StoragePath != "tunnel.db" {
		t.Errorf("got storage path %q, want tunnel.db", tn.StoragePath)
	}
}

func TestLoadAgentFileMissingPathIsNotError(t *testing.T) {
	f, err := LoadAgentFile("")
	if err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
	if len(f.Agents) != 0 {
		t.Fatalf("expected empty AgentFile, got %+v", f)
	}
}

func TestLoadAgentFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeFile(t, path, `
agents:
  - name: claude
    command: claude
    format: jsonlines
aliases:
  - name: reviewer
    command: claude --persona reviewer
    format: jsonlines
`)

	f, err := LoadAgentFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(f.Agents) != 1 || f.Agents[0].Name != "claude" {
		t.Fatalf("got agents %+v", f.Agents)
	}
	if len(f.Aliases) != 1 || f.Aliases[0].Command != "claude --persona reviewer" {
		t.Fatalf("got aliases %+v", f.Aliases)
	}
}

func TestAliasesFromEnviron(t *testing.T) {
	aliases := aliasesFromEnviron([]string{
		"AGENT_ALIAS_REVIEWER=claude --persona reviewer",
		"AGENT_ALIAS_SHELL=bash",
		"PATH=/usr/bin",
	})
	if aliases["reviewer"] != "claude --persona reviewer" {
		t.Errorf("got %q", aliases["reviewer"])
	}
	if aliases["shell"] != "bash" {
		t.Errorf("got %q", aliases["shell"])
	}
	if _, ok := aliases["path"]; ok {
		t.Error("PATH should not be treated as an alias")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
