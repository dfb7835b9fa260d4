package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

var logoLines = [6]string{
	`   ___              ____      _             `,
	`  / _ \ _ __  ___  |  _ \ ___| | __ _ _   _ `,
	` | | | | '_ \/ __| | |_) / _ \ |/ _` + "`" + ` | | | |`,
	` | |_| | |_) \__ \ |  _ <  __/ | (_| | |_| |`,
	`  \___/| .__/|___/ |_| \_\___|_|\__,_|\__, |`,
	`       |_|                            |___/ `,
}

// PrintBanner prints the OpsRelay ASCII art logo with the running mode,
// version and address below it. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	modeColor := green
	if mode == "worker" {
		modeColor = yellow
	}

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %s%s%s   %sversion%s %s   %saddr%s %s\n\n",
			bold+modeColor, mode, reset, dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  %s   version %s   addr %s\n\n", mode, ver, addr)
	}
}
