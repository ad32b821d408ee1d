package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Transport carries JSON-RPC lines to and from a tool provider process.
// Stdio is the production implementation; tests inject in-memory pipes.
type Transport interface {
	// Start launches the provider and returns its request writer and
	// response reader.
	Start(ctx context.Context) (io.WriteCloser, io.Reader, error)

	// Stop terminates the provider.
	Stop() error
}

// StdioTransport launches a tool provider as a subprocess and speaks to it
// over stdin/stdout, one JSON-RPC message per line.
type StdioTransport struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	cmd *exec.Cmd
}

// Start launches the subprocess.
func (t *StdioTransport) Start(ctx context.Context) (io.WriteCloser, io.Reader, error) {
	cmd := exec.CommandContext(ctx, t.Command, t.Args...)
	cmd.Dir = t.Cwd
	cmd.Env = os.Environ()
	for k, v := range t.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to launch %s: %w", t.Command, err)
	}

	t.cmd = cmd
	return stdin, stdout, nil
}

// Stop kills the subprocess.
func (t *StdioTransport) Stop() error {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// PipeTransport adapts pre-connected pipes, used by tests and in-process
// fakes.
type PipeTransport struct {
	Writer io.WriteCloser
	Reader io.Reader
}

// Start returns the configured pipes.
func (t *PipeTransport) Start(ctx context.Context) (io.WriteCloser, io.Reader, error) {
	return t.Writer, t.Reader, nil
}

// Stop closes the write side.
func (t *PipeTransport) Stop() error {
	return t.Writer.Close()
}
