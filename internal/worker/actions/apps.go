package actions

import (
	"context"
	"fmt"
	"runtime"
	"sort"
)

// AllowedApps maps friendly application names to the executable a
// close_app action may terminate. Anything not listed is refused.
var AllowedApps = map[string]string{
	"chrome":   "chrome.exe",
	"firefox":  "firefox.exe",
	"edge":     "msedge.exe",
	"code":     "Code.exe",
	"explorer": "explorer.exe",
	"notepad":  "notepad.exe",
	"teams":    "Teams.exe",
	"slack":    "slack.exe",
	"spotify":  "Spotify.exe",
}

func closeApp(ctx context.Context, params map[string]any) (any, error) {
	app, err := stringParam(params, "app")
	if err != nil {
		return nil, err
	}

	exe, ok := AllowedApps[app]
	if !ok {
		return nil, fmt.Errorf("application %q is not in the allowed list (%v)", app, allowedAppNames())
	}

	if runtime.GOOS == "windows" {
		return runCommand(ctx, "", DefaultTimeout, "taskkill", "/IM", exe, "/F"), nil
	}
	// Non-Windows hosts match on the name without the .exe suffix.
	name := exe
	if len(name) > 4 && name[len(name)-4:] == ".exe" {
		name = name[:len(name)-4]
	}
	return runCommand(ctx, "", DefaultTimeout, "pkill", "-x", name), nil
}

func allowedAppNames() []string {
	names := make([]string, 0, len(AllowedApps))
	for name := range AllowedApps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
