package util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Command describes a single external program invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current one.
	Dir string
	// Stdin is fed to the program when not empty.
	Stdin string
	// Stream forwards the program's output to the terminal while it runs,
	// for long running tools such as wget or bsdtar.
	Stream bool
}

func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Runner executes commands synchronously and returns their standard output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandError is returned when a program exits unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command '%s' failed with exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command '%s' failed with exit code %d", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	Log    logrus.FieldLogger
	Stdout io.Writer
	Stderr io.Writer
}

func NewExecRunner(log logrus.FieldLogger) *ExecRunner {
	return &ExecRunner{Log: log, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	r.Log.WithField("dir", c.Dir).Debugf("running %s", c)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	if c.Stream {
		cmd.Stdout = io.MultiWriter(stdout, r.Stdout)
		cmd.Stderr = io.MultiWriter(stderr, r.Stderr)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	err := cmd.Run()
	out := stdout.Bytes()
	if !c.Stream && len(out) > 0 {
		r.Log.Debugf("output: %s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		cmdErr := &CommandError{
			Command:  c.String(),
			ExitCode: -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return out, cmdErr
	}

	return out, nil
}

// SudoRunner runs every command through sudo, unless the process is
// already root.
type SudoRunner struct {
	Runner Runner
	Root   bool
}

func NewSudoRunner(r Runner) *SudoRunner {
	return &SudoRunner{Runner: r, Root: unix.Geteuid() == 0}
}

func (s *SudoRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	if !s.Root {
		c.Args = c.Argv()
		c.Name = "sudo"
	}
	return s.Runner.Run(ctx, c)
}
