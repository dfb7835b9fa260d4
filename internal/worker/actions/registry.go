// Package actions implements the fixed set of named operations the worker
// can execute. Every executor is reached only through the compile-time
// registry; a name absent from the registry is blocked by construction.
//
// Adding an action touches four places: the executor function, its Spec in
// the registry (name, tier, required params), optionally a lock mapping in
// the locks package, and the parameter schema enforced by Spec.Required.
package actions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opsrelay/opsrelay/internal/worker/security"
)

// Subprocess timeouts.
const (
	DefaultTimeout = 120 * time.Second
	InstallTimeout = 300 * time.Second
	DockerTimeout  = 600 * time.Second
)

// Output truncation limits.
const (
	maxStdout    = 8 * 1024
	maxStderr    = 4 * 1024
	maxFileRead  = 64 * 1024
	maxFileWrite = 1 << 20  // 1 MiB
	maxZipBytes  = 10 << 20 // 10 MiB compressed
)

// Executor runs one action against validated, canonicalised parameters.
type Executor func(ctx context.Context, params map[string]any) (any, error)

// Spec describes one registered action.
type Spec struct {
	Name     string
	Tier     security.Tier
	Required []string
	Exec     Executor
}

// Registry is the compile-time action table.
type Registry struct {
	specs map[string]Spec
}

// ExplicitlyBlocked are action names refused by name rather than by
// absence, so the audit trail distinguishes them.
var ExplicitlyBlocked = []string{"system_shutdown", "delete_repository", "edit_registry"}

// NewRegistry builds the registry over the full executor set.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec)}

	for _, spec := range []Spec{
		// Filesystem.
		{Name: "file_read", Tier: security.TierAuto, Required: []string{"file"}, Exec: fileRead},
		{Name: "file_write", Tier: security.TierAuto, Required: []string{"path", "content"}, Exec: fileWrite},
		{Name: "create_directory", Tier: security.TierAuto, Required: []string{"path"}, Exec: createDirectory},
		{Name: "list_directory", Tier: security.TierAuto, Required: []string{"directory"}, Exec: listDirectory},
		{Name: "zip_project", Tier: security.TierAuto, Required: []string{"working_dir"}, Exec: zipProject},

		// Git.
		{Name: "git_status", Tier: security.TierAuto, Required: []string{"working_dir"}, Exec: gitStatus},
		{Name: "git_diff", Tier: security.TierAuto, Required: []string{"working_dir"}, Exec: gitDiff},
		{Name: "git_log", Tier: security.TierAuto, Required: []string{"working_dir"}, Exec: gitLog},
		{Name: "git_commit", Tier: security.TierConfirm, Required: []string{"working_dir", "message"}, Exec: gitCommit},
		{Name: "git_push", Tier: security.TierConfirm, Required: []string{"working_dir"}, Exec: gitPush},

		// Build and run.
		{Name: "run_tests", Tier: security.TierAuto, Required: []string{"working_dir"}, Exec: runTests},
		{Name: "run_script", Tier: security.TierConfirm, Required: []string{"working_dir", "script"}, Exec: runScript},
		{Name: "install_dependencies", Tier: security.TierConfirm, Required: []string{"working_dir"}, Exec: installDependencies},
		{Name: "docker_build", Tier: security.TierConfirm, Required: []string{"working_dir", "tag"}, Exec: dockerBuild},
		{Name: "check_port", Tier: security.TierAuto, Required: []string{"port"}, Exec: checkPort},

		// Host.
		{Name: "close_app", Tier: security.TierConfirm, Required: []string{"app"}, Exec: closeApp},

		// Network helpers.
		{Name: "ollama_chat", Tier: security.TierAuto, Required: []string{"messages"}, Exec: ollamaChat},
		{Name: "web_search", Tier: security.TierAuto, Required: []string{"query"}, Exec: webSearch},
	} {
		r.specs[spec.Name] = spec
	}

	return r
}

// Lookup returns the executor spec for a name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// CheckRequired verifies that every required parameter is present.
func (s Spec) CheckRequired(params map[string]any) error {
	for _, key := range s.Required {
		if _, ok := params[key]; !ok {
			return fmt.Errorf("missing required parameter '%s'", key)
		}
	}
	return nil
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TierNames returns the registered names carrying the given tier, sorted.
func (r *Registry) TierNames(tier security.Tier) []string {
	var names []string
	for name, spec := range r.specs {
		if spec.Tier == tier {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter '%s'", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter '%s' must be a string", key)
	}
	return s, nil
}
