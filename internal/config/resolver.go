package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hyper-ai-inc/hyper-backend/internal/agentproc"
)

// Resolver implements session.AgentResolver against the merged
// environment-variable alias map (AGENT_ALIAS_<NAME>) and the optional
// YAML agent file, reloading the latter on write per the fsnotify watch
// in WatchAgentFile.
type Resolver struct {
	mu      sync.RWMutex
	entries map[string]resolvedAgent
}

type resolvedAgent struct {
	command string
	format  string
}

// NewResolver builds a Resolver from the current environment and an
// optional parsed agent file. File-defined agents and aliases are seeded
// first (there are no built-in base agent entries, so a base agent name
// resolves only when the file or the environment defines it); environment AGENT_ALIAS_<NAME>
// entries are applied on top, so an operator's env always wins over the
// checked-in file.
func NewResolver(file AgentFile) *Resolver {
	r := &Resolver{entries: make(map[string]resolvedAgent)}
	r.reload(file, os.Environ())
	return r
}

func (r *Resolver) reload(file AgentFile, environ []string) {
	entries := make(map[string]resolvedAgent)

	for _, a := range file.Agents {
		entries[strings.ToLower(a.Name)] = resolvedAgent{command: a.Command, format: a.Format}
	}
	for _, a := range file.Aliases {
		entries[strings.ToLower(a.Name)] = resolvedAgent{command: a.Command, format: a.Format}
	}
	for name, command := range aliasesFromEnviron(environ) {
		entries[name] = resolvedAgent{command: command, format: entries[name].format}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}

// Resolve implements session.AgentResolver. The command line is looked up
// by variant name (a base agent name or a configured alias), ignoring
// case. A variant with no matching entry does not resolve: Resolve
// returns ok=false.
func (r *Resolver) Resolve(variant string) (string, agentproc.Parser, bool) {
	r.mu.RLock()
	entry, ok := r.entries[strings.ToLower(variant)]
	r.mu.RUnlock()

	if !ok {
		return "", nil, false
	}

	var parser agentproc.Parser
	if entry.format == "jsonlines" {
		parser = agentproc.NewJSONLineParser()
	} else {
		parser = agentproc.NewLineParser()
	}
	return entry.command, parser, true
}

// Watcher hot-reloads a Resolver's alias map whenever the backing YAML
// agent file changes, the way wingedpig-trellis's BinaryWatcher reacts to
// fsnotify Write/Create events on a watched path.
type Watcher struct {
	path     string
	resolver *Resolver
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// WatchAgentFile starts watching path for changes and reloads resolver on
// every write. If path is empty, no watcher is started and the returned
// Watcher's Close is a no-op — the resolver still reflects AGENT_ALIAS_*
// environment entries captured at NewResolver time.
func WatchAgentFile(path string, resolver *Resolver) (*Watcher, error) {
	w := &Watcher{path: path, resolver: resolver, done: make(chan struct{})}
	if path == "" {
		close(w.done)
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch agent file: %w", err)
	}
	w.fsw = fsw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			file, err := LoadAgentFile(w.path)
			if err != nil {
				continue
			}
			w.resolver.reload(file, os.Environ())
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
