package controller

import "time"

// Config holds every tunable the Lifecycle Controller (C5) and its loops
// consult. Defaults match the values named throughout spec §4.
type Config struct {
	// MaxOutputBytes caps each record's OutputBuffer. Default 1 MiB.
	MaxOutputBytes int64
	// TailPollMs is the tail/exit-probe loop cadence. Default 500ms.
	TailPollMs int
	// InitialTailBytes bounds the first read of a possibly-large
	// pre-existing file. Default 64 KiB.
	InitialTailBytes int64
	// MaxConsecutiveTailFailures escalates a record to failed after this
	// many consecutive read failures. Default 5.
	MaxConsecutiveTailFailures int
	// GraceSecs is the SIGTERM->SIGKILL delay passed to
	// shellscript.BuildTerminateCommand for every Terminate call. Default 2
	// (shellscript.DefaultGraceSecs); tests shrink this to keep escalation
	// cases fast.
	GraceSecs int
	// TerminateForceTimeoutMs re-issues terminate if the record hasn't
	// reached a terminal state within this window. Default 10s.
	TerminateForceTimeoutMs int
	// ShutdownGraceMs bounds how long Shutdown waits for in-flight
	// terminates to land before abandoning remaining scratch files.
	// Default 5s.
	ShutdownGraceMs int
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutputBytes:             1 << 20,
		TailPollMs:                 500,
		InitialTailBytes:           64 << 10,
		MaxConsecutiveTailFailures: 5,
		GraceSecs:                  2,
		TerminateForceTimeoutMs:    10_000,
		ShutdownGraceMs:            5_000,
	}
}

func (c Config) tailPollInterval() time.Duration {
	return time.Duration(c.TailPollMs) * time.Millisecond
}

func (c Config) terminateForceTimeout() time.Duration {
	return time.Duration(c.TerminateForceTimeoutMs) * time.Millisecond
}

func (c Config) shutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}
