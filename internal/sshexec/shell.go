package sshexec

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf16"
)

// posixQuote single-quotes one argument for a POSIX shell. Embedded single
// quotes use the '\'' close-escape-reopen form.
func posixQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// posixCommand builds `cd <dir> && argv...` with every element quoted.
// An empty dir skips the cd prefix.
func posixCommand(dir string, argv ...string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = posixQuote(a)
	}
	cmd := strings.Join(quoted, " ")
	if dir == "" {
		return cmd
	}
	return fmt.Sprintf("cd %s && %s", posixQuote(dir), cmd)
}

// psQuote single-quotes one argument for PowerShell, doubling embedded
// single quotes.
func psQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", "''") + "'"
}

// powershellCommand builds the full `powershell -EncodedCommand` line for
// one argv invocation. The script stops on the first error and forwards
// the native exit code.
func powershellCommand(dir string, argv ...string) string {
	var sb strings.Builder
	sb.WriteString("$ErrorActionPreference = 'Stop'; ")
	if dir != "" {
		sb.WriteString("Set-Location -LiteralPath " + psQuote(dir) + "; ")
	}
	sb.WriteString("& " + psQuote(argv[0]))
	for _, a := range argv[1:] {
		sb.WriteString(" " + psQuote(a))
	}
	sb.WriteString("; exit $LASTEXITCODE")
	return "powershell -NoProfile -NonInteractive -EncodedCommand " + encodePowerShell(sb.String())
}

// powershellScript wraps a raw script (not an argv vector) the same way.
func powershellScript(script string) string {
	full := "$ErrorActionPreference = 'Stop'; " + script
	return "powershell -NoProfile -NonInteractive -EncodedCommand " + encodePowerShell(full)
}

// encodePowerShell encodes a script as base64 UTF-16LE, the only encoding
// -EncodedCommand accepts.
func encodePowerShell(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// sanitizeWindowsOutput strips PowerShell's CLIXML serialisation noise from
// remote stderr and restores the escaped CRLF sequences it emits.
func sanitizeWindowsOutput(s string) string {
	s = strings.ReplaceAll(s, "_x000D__x000A_", "\n")
	s = strings.ReplaceAll(s, "_x000D_", "")
	s = strings.ReplaceAll(s, "_x000A_", "\n")

	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "#< CLIXML") {
			continue
		}
		if strings.HasPrefix(line, "<Objs ") && strings.Contains(line, "microsoft.com/powershell") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}
