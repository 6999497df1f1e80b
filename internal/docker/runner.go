package docker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// DefaultMaxOutput caps each captured stream. Runaway simulations can print
// without bound; diagnostics only need the head.
const DefaultMaxOutput = 1 << 20

type RunOpts struct {
	Image       string
	Command     []string
	WorkDir     string
	Timeout     time.Duration
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	MaxOutput   int
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// Client runs short-lived tool containers over one daemon connection.
type Client struct {
	cli *client.Client
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

// Run executes Command in a fresh container with WorkDir mounted at
// /workspace and no network. Hitting opts.Timeout kills the container and
// reports exit code 124; cancellation of ctx itself is returned as an error.
func (c *Client) Run(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: "/workspace",
		}},
		Init:        &initTrue,
		NetworkMode: "none",
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		WorkingDir: "/workspace",
		Labels:     map[string]string{"moahdl": "true"},
		User:       opts.UserID,
	}

	createResp, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container from %s: %w", opts.Image, err)
	}
	id := createResp.ID
	defer c.cli.ContainerRemove(context.Background(), id, client.ContainerRemoveOptions{Force: true})

	start := time.Now()
	if _, err := c.cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	wait := c.cli.ContainerWait(timeoutCtx, id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	var res *RunResult
	select {
	case err := <-wait.Error:
		c.cli.ContainerKill(context.Background(), id, client.ContainerKillOptions{Signal: "SIGKILL"})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timeoutCtx.Err() == nil {
			return nil, fmt.Errorf("waiting for container: %w", err)
		}
		res = &RunResult{ExitCode: 124, TimedOut: true}
	case status := <-wait.Result:
		res = &RunResult{ExitCode: int(status.StatusCode)}
	}
	c.collectLogs(id, res, opts.MaxOutput)
	res.Duration = time.Since(start)
	return res, nil
}

func (c *Client) collectLogs(id string, res *RunResult, limit int) {
	logs, err := c.cli.ContainerLogs(context.Background(), id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil || logs == nil {
		return
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logs)
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	res.Stdout = capped(stdout.String(), limit)
	res.Stderr = capped(stderr.String(), limit)
}

func capped(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}
