package sshexec

import (
	"fmt"
	"path"
	"strings"

	"github.com/opsrelay/opsrelay/internal/worker/security"
)

// Jail enforces the allowed-roots invariant for paths on the remote host.
// Canonicalisation is purely lexical: the gateway cannot resolve symlinks
// on a machine it only reaches over SSH.
type Jail struct {
	roots   []string
	windows bool
}

// NewJail canonicalises the configured roots once. At least one root is
// required; roots that are not absolute are rejected.
func NewJail(roots []string, windows bool) (*Jail, error) {
	j := &Jail{windows: windows}
	for _, root := range roots {
		canon, err := j.Canonicalize(root)
		if err != nil {
			return nil, fmt.Errorf("canonicalize allowed root %q: %w", root, err)
		}
		j.roots = append(j.roots, canon)
	}
	if len(j.roots) == 0 {
		return nil, fmt.Errorf("at least one allowed root is required")
	}
	return j, nil
}

// Roots returns the canonicalised roots.
func (j *Jail) Roots() []string { return j.roots }

// CheckParams canonicalises every path-valued parameter, verifies it is
// inside an allowed root and substitutes the canonical value back.
func (j *Jail) CheckParams(params map[string]any) error {
	for _, key := range security.PathParams {
		raw, ok := params[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return &security.Violation{
				Outcome: security.OutcomeBlocked,
				Reason:  fmt.Sprintf("Parameter '%s' must be a non-empty path", key),
			}
		}

		canon, err := j.Canonicalize(s)
		if err != nil {
			return &security.Violation{
				Outcome: security.OutcomeBlocked,
				Reason:  fmt.Sprintf("Path %q could not be resolved", s),
			}
		}
		if !j.inside(canon) {
			return &security.Violation{
				Outcome: security.OutcomeBlocked,
				Reason:  fmt.Sprintf("Path %q is outside allowed roots.", canon),
			}
		}

		params[key] = canon
	}
	return nil
}

func (j *Jail) inside(canon string) bool {
	for _, root := range j.roots {
		if canon == root {
			return true
		}
		// Filesystem roots ("/" or "c:\") already end in a separator.
		if strings.HasSuffix(root, j.separator()) {
			if strings.HasPrefix(canon, root) {
				return true
			}
			continue
		}
		if strings.HasPrefix(canon, root+j.separator()) {
			return true
		}
	}
	return false
}

func (j *Jail) separator() string {
	if j.windows {
		return `\`
	}
	return "/"
}

// Canonicalize normalises a remote path: absolute, cleaned, lowercased on
// Windows. Relative paths are rejected because there is no meaningful
// remote working directory to anchor them to.
func (j *Jail) Canonicalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if j.windows {
		return canonicalizeWindows(p)
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is not absolute", p)
	}
	return path.Clean(p), nil
}

func canonicalizeWindows(p string) (string, error) {
	p = strings.ToLower(strings.ReplaceAll(p, "/", `\`))

	if len(p) < 2 || p[1] != ':' || p[0] < 'a' || p[0] > 'z' {
		return "", fmt.Errorf("path %q is not an absolute drive path", p)
	}
	drive := p[:2]
	rest := strings.TrimPrefix(p[2:], `\`)

	// Resolve "." and ".." lexically, never above the drive root.
	var parts []string
	for _, seg := range strings.Split(rest, `\`) {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", fmt.Errorf("path %q escapes the drive root", p)
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return drive + `\`, nil
	}
	return drive + `\` + strings.Join(parts, `\`), nil
}
