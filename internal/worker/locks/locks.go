// Package locks serialises mutually-incompatible actions through a fixed
// set of named process-local mutexes. Concurrent `npm install` runs corrupt
// node_modules, git operations race on the index, and local model inference
// must not overlap on the GPU.
package locks

import "sync"

// Lock names.
const (
	NpmInstall = "npm_install"
	PipInstall = "pip_install"
	Git        = "git"
	Build      = "build"
	Port       = "port"
	Ollama     = "ollama"
)

// actionLocks maps action names to the lock they must hold.
// Actions without an entry take no lock.
var actionLocks = map[string]string{
	"git_status":   Git,
	"git_diff":     Git,
	"git_log":      Git,
	"git_commit":   Git,
	"git_push":     Git,
	"docker_build": Build,
	"run_tests":    Build,
	"run_script":   Build,
	"check_port":   Port,
	"ollama_chat":  Ollama,
}

// Set holds the fixed set of named mutexes.
type Set struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSet creates the fixed lock set.
func NewSet() *Set {
	s := &Set{locks: make(map[string]*sync.Mutex)}
	for _, name := range []string{NpmInstall, PipInstall, Git, Build, Port, Ollama} {
		s.locks[name] = &sync.Mutex{}
	}
	return s
}

// Resolve returns the lock name for an action, consulting params for
// actions whose lock depends on them. Returns "" when no lock applies.
func Resolve(action string, params map[string]any) string {
	if action == "install_dependencies" {
		if mgr, _ := params["manager"].(string); mgr == "pip" {
			return PipInstall
		}
		return NpmInstall
	}
	return actionLocks[action]
}

// Acquire blocks until the named lock is held and returns a release
// function. Acquiring "" is a no-op with a no-op release.
func (s *Set) Acquire(name string) func() {
	if name == "" {
		return func() {}
	}

	s.mu.Lock()
	m, ok := s.locks[name]
	s.mu.Unlock()
	if !ok {
		return func() {}
	}

	m.Lock()
	var once sync.Once
	return func() {
		once.Do(m.Unlock)
	}
}
