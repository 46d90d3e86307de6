package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Cmd describes one external tool invocation.
type Cmd struct {
	Name   string
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes external dump and restore tools.
type Runner interface {
	RunWithIO(ctx context.Context, c Cmd) error
}

// ExitError reports a tool that ran and exited non-zero.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
}

// LocalRunner runs tools on this host with os/exec.
type LocalRunner struct{}

func (LocalRunner) RunWithIO(ctx context.Context, c Cmd) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Name: c.Name, Code: exitErr.ExitCode()}
	}
	return err
}
