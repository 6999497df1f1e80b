package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/signalnine/moahdl/internal/docker"
)

// Command is one external tool invocation inside a scratch directory.
type Command struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes verifier tools. A returned error means the tool could not
// be launched at all; a non-zero exit is reported in ExecResult.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*ExecResult, error)
}

// LocalRunner runs tools from the host PATH.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = 124
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("running %s: %w", cmd.Argv[0], err)
	}
	return res, nil
}

// DockerRunner runs tools inside a container image with the scratch
// directory mounted as its working directory. Tools run as the host user so
// the scratch directory stays removable.
type DockerRunner struct {
	Image  string
	User   string
	run    func(context.Context, *docker.RunOpts) (*docker.RunResult, error)
	closer io.Closer
}

func NewDockerRunner(image string) (*DockerRunner, error) {
	c, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	return &DockerRunner{
		Image:  image,
		User:   fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		run:    c.Run,
		closer: c,
	}, nil
}

func (d *DockerRunner) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *DockerRunner) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	res, err := d.run(ctx, &docker.RunOpts{
		Image:   d.Image,
		Command: cmd.Argv,
		WorkDir: cmd.Dir,
		Timeout: timeout,
		UserID:  d.User,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s in %s: %w", cmd.Argv[0], d.Image, err)
	}
	return &ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}, nil
}
