// Package shellscript synthesizes the POSIX shell fragments the engine uses
// to spawn and terminate background processes. Every function here is pure:
// no I/O, no globals, safe to unit test exhaustively.
package shellscript

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultGraceSecs is BuildTerminateCommand's delay between SIGTERM and
// SIGKILL when the caller doesn't override it (controller.Config.GraceSecs
// defaults to this).
const DefaultGraceSecs = 2

// ShellQuote encloses s in single quotes, escaping any embedded single quote
// with the '"'"' idiom, so that a POSIX shell restores s byte-for-byte after
// eval. Empty input yields ''.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			b.WriteString(`'"'"'`)
			continue
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('\'')
	return b.String()
}

// QuotePath quotes a path for embedding in a shell command. BuildTerminateCommand
// takes one (nil means ShellQuote) so an Executor can pass its own path
// quoting; BuildWrapperScript always uses ShellQuote.
type QuotePath func(path string) string

// WrapperScriptInput is the set of inputs to BuildWrapperScript.
type WrapperScriptInput struct {
	ExitCodePath string
	Cwd          string
	Env          map[string]string
	Script       string
}

// BuildWrapperScript composes the script run inside `bash -c`: it arranges
// for the exit code to be written on every exit path (normal, error, or
// signal) before anything else runs, then cds into the working directory,
// exports the caller's environment, and finally executes the caller's script
// verbatim.
func BuildWrapperScript(in WrapperScriptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trap 'echo $? > %s' EXIT", ShellQuote(in.ExitCodePath))
	fmt.Fprintf(&b, " && cd %s", ShellQuote(in.Cwd))

	for _, k := range sortedKeys(in.Env) {
		fmt.Fprintf(&b, " && export %s=%s", k, ShellQuote(in.Env[k]))
	}

	b.WriteString(" && ")
	b.WriteString(in.Script)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SpawnCommandInput is the set of inputs to BuildSpawnCommand.
type SpawnCommandInput struct {
	WrapperScript string
	StdoutPath    string
	StderrPath    string
	Niceness      *int
	BashPath      string // defaults to "bash"
}

// BuildSpawnCommand composes the command that launches the wrapper script as
// a detached session leader and prints the child's PID on stdout. `set -m`
// gives the child job control, so it becomes its own process group leader
// with PGID equal to its PID — `kill -SIGNAL -PID` then targets the whole
// group. nohup plus the redirections and </dev/null detach the child from
// any controlling terminal.
func BuildSpawnCommand(in SpawnCommandInput) string {
	bashPath := in.BashPath
	if bashPath == "" {
		bashPath = "bash"
	}

	var nice string
	if in.Niceness != nil {
		nice = fmt.Sprintf("nice -n %d ", *in.Niceness)
	}

	return fmt.Sprintf(
		"(set -m; %snohup %s -c %s > %s 2> %s < /dev/null & echo $!)",
		nice,
		ShellQuote(bashPath),
		ShellQuote(in.WrapperScript),
		ShellQuote(in.StdoutPath),
		ShellQuote(in.StderrPath),
	)
}

// BuildTerminateCommand composes the script that sends SIGTERM to the
// process group, waits graceSecs (a value <= 0 falls back to
// DefaultGraceSecs), escalates to SIGKILL if the group still exists, and
// writes the corresponding exit code (143 or 137) to exitCodePath. kill
// failures are swallowed; the exit-code write is unconditional so a later
// read never finds an empty file.
func BuildTerminateCommand(pid int, exitCodePath string, graceSecs int, quote QuotePath) string {
	if quote == nil {
		quote = ShellQuote
	}
	if graceSecs <= 0 {
		graceSecs = DefaultGraceSecs
	}
	q := quote(exitCodePath)

	return fmt.Sprintf(
		"kill -TERM -%d 2>/dev/null || true; sleep %d; "+
			"if kill -0 -%d 2>/dev/null; then kill -KILL -%d 2>/dev/null || true; echo 137 > %s; "+
			"else echo 143 > %s; fi",
		pid, graceSecs, pid, pid, q, q,
	)
}

// ParsePid accepts a trimmed decimal integer greater than zero, else
// reports ok=false.
func ParsePid(s string) (pid int, ok bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ParseExitCode accepts a trimmed decimal integer greater than or equal to
// zero, else reports ok=false.
func ParseExitCode(s string) (code int, ok bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
