package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/opsrelay/opsrelay/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "gateway":
		if err := runGateway(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "worker":
		if err := runWorker(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: opsrelay [gateway|worker|version] [flags]\n")
}

// applyLogLevel sets the global log level from a config string.
func applyLogLevel(s string) {
	if s == "" {
		return
	}
	level, err := logging.ParseLevel(s)
	if err != nil {
		slog.Warn("invalid log level, keeping default", "level", s)
		return
	}
	logging.SetLevel(level)
}
