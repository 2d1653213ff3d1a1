package controller

import "github.com/muxlabs/bpe/internal/bpe/process"

// StartRequest is the input to Start (§4.4 item 1, §6 StartRequest).
type StartRequest struct {
	WorkspaceID     string
	Script          string
	Cwd             string
	Env             map[string]string
	DisplayName     string
	Niceness        *int
	RunInBackground bool
	ToolCallID      string
}

// OutputSnapshot is the result of GetOutput (§6 OutputSnapshot).
type OutputSnapshot struct {
	Status          process.Status
	Text            string
	NextOffset      int64
	TruncatedStart  bool
	BufferTruncated bool
}

// GetOutputQuery selects either a resumable read (FromOffset) or a
// fixed-size tail (TailBytes); at most one should be set. Neither set means
// read(fromOffset=0).
type GetOutputQuery struct {
	FromOffset *int64
	TailBytes  *int64
}
