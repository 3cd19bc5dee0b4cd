// Package config loads the workstation's environment variables and its
// YAML alias/agent file, and hot-reloads that file via fsnotify so an
// operator can edit its agents and aliases without a restart.
// AGENT_ALIAS_<NAME> environment entries are read from the process
// environment, so changing them takes a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTerminalBufferSize = 1000
	aliasEnvPrefix            = "AGENT_ALIAS_"
)

// Workstation holds the environment-derived settings a workstation process
// reads once at startup, mirroring the teacher's os.Getenv("PORT") calls in
// cmd/server/main.go but generalized to this spec's larger env surface.
type Workstation struct {
	TunnelURL           string
	TunnelAPIKey        string
	AuthKey             string
	WorkspacesRoot      string
	STTProvider         string
	STTAPIKey           string
	TTSProvider         string
	TTSAPIKey           string
	DefaultBufferSize   int
	RedactValues        []string
	AgentConfigPath     string
}

// LoadWorkstation reads the workstation's required and optional environment
// variables. AGENT_ALIAS_<NAME> entries are not read here — those live in
// the YAML agent file (reloadable without a process restart) and/or the
// environment entries aliasesFromEnviron reads.
func LoadWorkstation() (Workstation, error) {
	w := Workstation{
		TunnelURL:         os.Getenv("TUNNEL_URL"),
		TunnelAPIKey:      os.Getenv("TUNNEL_API_KEY"),
		AuthKey:           os.Getenv("WORKSTATION_AUTH_KEY"),
		WorkspacesRoot:    os.Getenv("WORKSPACES_ROOT"),
		STTProvider:       os.Getenv("STT_PROVIDER"),
		STTAPIKey:         os.Getenv("STT_API_KEY"),
		TTSProvider:       os.Getenv("TTS_PROVIDER"),
		TTSAPIKey:         os.Getenv("TTS_API_KEY"),
		DefaultBufferSize: DefaultTerminalBufferSize,
		AgentConfigPath:   os.Getenv("AGENT_CONFIG_PATH"),
	}

	if w.AuthKey == "" {
		return Workstation{}, fmt.Errorf("config: WORKSTATION_AUTH_KEY is required")
	}
	if w.WorkspacesRoot == "" {
		return Workstation{}, fmt.Errorf("config: WORKSPACES_ROOT is required")
	}

	if raw := os.Getenv("TERMINAL_BUFFER_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Workstation{}, fmt.Errorf("config: TERMINAL_BUFFER_SIZE: %w", err)
		}
		w.DefaultBufferSize = n
	}

	if raw := os.Getenv("WORKSTATION_REDACT_VALUES"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				w.RedactValues = append(w.RedactValues, v)
			}
		}
	}

	return w, nil
}

// Tunnel holds the environment-derived settings the tunnel (relay) process
// reads once at startup.
type Tunnel struct {
	RegistrationAPIKey string
	ListenPort         string
	StoragePath        string
}

// LoadTunnel reads the tunnel's required and optional environment
// variables, per spec.md §6 ("TUNNEL_REGISTRATION_API_KEY (required,
// >= 32 chars)").
func LoadTunnel() (Tunnel, error) {
	t := Tunnel{
		RegistrationAPIKey: os.Getenv("TUNNEL_REGISTRATION_API_KEY"),
		ListenPort:         os.Getenv("PORT"),
		StoragePath:        os.Getenv("TUNNEL_STORAGE_PATH"),
	}

	if len(t.RegistrationAPIKey) < 32 {
		return Tunnel{}, fmt.Errorf("config: TUNNEL_REGISTRATION_API_KEY must be at least 32 characters")
	}
	if t.ListenPort == "" {
		t.ListenPort = "8080"
	}
	if t.StoragePath == "" {
		t.StoragePath = "tunnel.db"
	}

	return t, nil
}

// AgentFile is the YAML shape of the workstation's optional agent config
// file (gopkg.in/yaml.v3), declaring available base agents and aliases the
// way MrWong99-glyphoxa's Config declares its named provider entries.
type AgentFile struct {
	Agents  []AgentEntry  `yaml:"agents"`
	Aliases []AliasEntry  `yaml:"aliases"`
}

// AgentEntry names a base agent available to spawn (e.g. "cursor", "claude",
// "opencode") and the command line used to launch it.
type AgentEntry struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Format  string `yaml:"format"` // "lines" or "jsonlines", default "lines"
}

// AliasEntry maps an operator-defined alias to a command line, the YAML
// equivalent of an AGENT_ALIAS_<NAME> environment variable.
type AliasEntry struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Format  string `yaml:"format"`
}

// LoadAgentFile parses path as YAML. A missing path is not an error — the
// workstation can run on environment-variable aliases alone.
func LoadAgentFile(path string) (AgentFile, error) {
	if path == "" {
		return AgentFile{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return AgentFile{}, nil
	}
	if err != nil {
		return AgentFile{}, fmt.Errorf("config: read agent file: %w", err)
	}

	var f AgentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return AgentFile{}, fmt.Errorf("config: parse agent file %s: %w", path, err)
	}
	return f, nil
}

// aliasesFromEnviron scans the process environment for AGENT_ALIAS_<NAME>
// entries per spec.md §6.
func aliasesFromEnviron(environ []string) map[string]string {
	aliases := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, aliasEnvPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, aliasEnvPrefix))
		if name != "" {
			aliases[name] = v
		}
	}
	return aliases
}
