// Package code runs user-supplied Python in an isolated environment.
//
// The primary backend is a remote sandbox service reached over HTTP; a
// subprocess runner exists for local development where no sandbox is
// deployed. Both enforce the same limits on execution time, output size
// and generated-file size.
package code

import (
	"context"
	"time"
)

// Request describes a single code execution.
type Request struct {
	// Code is the Python source to run.
	Code string

	// Files are inputs placed in the working directory before the
	// code starts.
	Files []File

	// Requirements are pip packages the sandbox installs before the
	// code runs. The subprocess runner ignores them.
	Requirements []string

	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// Result is the outcome of an execution. An execution that ran to
// completion but exited non-zero is a Result with ExitCode set, not an
// error; errors are reserved for failures to run at all.
type Result struct {
	// Output is combined stdout, capped at the runner's output limit.
	Output string

	// Logs is stderr, capped at the runner's output limit.
	Logs string

	// ExitCode is the process exit status. Zero on success.
	ExitCode int

	// Files are new files the code left in the working directory.
	Files []File

	// Duration is wall time spent executing.
	Duration time.Duration
}

// File is a named binary blob moving in or out of an execution.
type File struct {
	Name string
	MIME string
	Data []byte
}

// Runner executes code requests.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
