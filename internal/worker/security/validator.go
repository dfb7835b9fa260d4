package security

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

const maxParamLen = 4096

// shellMeta matches characters that would be dangerous if a parameter ever
// reached a shell. Executors only ever spawn argv vectors, so this is a
// second, independent layer.
var shellMeta = regexp.MustCompile("[;&|`$(){}!<>\"']")

// exemptParams are free-text parameters excluded from shell-meta checks.
var exemptParams = map[string]bool{
	"content":     true,
	"description": true,
	"message":     true,
	"messages":    true,
	"system":      true,
	"tools":       true,
}

// PathParams are the parameter keys subject to the path-jail.
var PathParams = []string{"path", "directory", "project_dir", "file", "working_dir"}

// Validator runs the ordered policy chain for incoming actions.
type Validator struct {
	stop    *StopFlag
	auto    map[string]bool
	confirm map[string]bool
	blocked map[string]bool // explicitly listed, for audit detail only
	roots   []string        // canonicalised allowed roots
}

// NewValidator builds a Validator. Allowed roots are canonicalised once;
// roots that cannot be resolved are dropped with an error.
func NewValidator(stop *StopFlag, auto, confirm, blocked []string, allowedRoots []string) (*Validator, error) {
	v := &Validator{
		stop:    stop,
		auto:    toSet(auto),
		confirm: toSet(confirm),
		blocked: toSet(blocked),
	}
	for _, root := range allowedRoots {
		canon, err := canonicalize(root)
		if err != nil {
			return nil, fmt.Errorf("canonicalize allowed root %q: %w", root, err)
		}
		v.roots = append(v.roots, canon)
	}
	if len(v.roots) == 0 {
		return nil, fmt.Errorf("at least one allowed root is required")
	}
	return v, nil
}

// AllowedRoots returns the canonicalised roots.
func (v *Validator) AllowedRoots() []string { return v.roots }

// ValidateAction checks the emergency stop and resolves the action's tier.
func (v *Validator) ValidateAction(name string) (Tier, error) {
	if v.stop.Active() {
		return TierBlocked, &Violation{
			Outcome: OutcomeBlocked,
			Tier:    TierBlocked,
			Reason:  "Emergency stop is active — all execution suspended.",
		}
	}

	switch {
	case v.auto[name]:
		return TierAuto, nil
	case v.confirm[name]:
		return TierConfirm, nil
	case v.blocked[name]:
		return TierBlocked, Blocked("Action '%s' is explicitly blocked", name)
	default:
		return TierBlocked, Blocked("Action '%s' is implicitly blocked", name)
	}
}

// ValidateParams sanitises every non-exempt top-level string parameter.
func (v *Validator) ValidateParams(params map[string]any) error {
	return SanitizeParams(params)
}

// SanitizeParams enforces the length cap and the shell-metacharacter ban
// on every non-exempt top-level string parameter. Exempt free-text keys
// skip both checks; their size is bounded by the executors that consume
// them (file_write caps content at 1 MiB). Shared by the local validator
// and the SSH executor, which has no Validator instance.
func SanitizeParams(params map[string]any) error {
	for key, value := range params {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if exemptParams[key] {
			continue
		}
		if len(s) > maxParamLen {
			return &Violation{
				Outcome: OutcomeBlocked,
				Reason:  fmt.Sprintf("Parameter '%s' exceeds maximum length of %d", key, maxParamLen),
			}
		}
		if shellMeta.MatchString(s) {
			return &Violation{
				Outcome: OutcomeBlocked,
				Reason:  fmt.Sprintf("Parameter '%s' contains disallowed shell metacharacters.", key),
			}
		}
	}
	return nil
}

// ValidatePathParams enforces the path-jail on every path-valued parameter
// and substitutes the canonical path back into params, so executors only
// ever see normalised paths inside an allowed root.
func (v *Validator) ValidatePathParams(params map[string]any) error {
	for _, key := range PathParams {
		raw, ok := params[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return &Violation{
				Outcome: OutcomeBlocked,
				Reason:  fmt.Sprintf("Parameter '%s' must be a non-empty path", key),
			}
		}

		canon, err := canonicalize(s)
		if err != nil {
			return &Violation{
				Outcome: OutcomeBlocked,
				Reason:  fmt.Sprintf("Path %q could not be resolved", s),
			}
		}

		if !v.insideRoots(canon) {
			return &Violation{
				Outcome: OutcomeBlocked,
				Reason:  fmt.Sprintf("Path %q is outside allowed roots.", canon),
			}
		}

		params[key] = canon
	}
	return nil
}

// insideRoots reports whether canon equals or descends from an allowed root.
// Cross-volume paths (different Windows drives) never share a prefix with a
// root and are therefore rejected.
func (v *Validator) insideRoots(canon string) bool {
	for _, root := range v.roots {
		if canon == root {
			return true
		}
		if strings.HasPrefix(canon, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// canonicalize resolves a path to its absolute, symlink-free, case-normalised
// form. The path itself need not exist (file_write targets new files); the
// deepest existing ancestor is resolved and the remainder re-joined.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}

	if runtime.GOOS == "windows" {
		resolved = strings.ToLower(resolved)
	}
	return resolved, nil
}

// resolveExisting applies EvalSymlinks to the longest existing prefix of
// abs and re-joins the non-existing remainder.
func resolveExisting(abs string) (string, error) {
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}

	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Hit the filesystem root without finding anything resolvable.
			return abs, nil
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
