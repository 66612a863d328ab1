package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/internal/runtime/cli"
	"github.com/ikido/herdctl/pkg/herd"
)

// Decorator implements runtime.Runtime by re-expressing a job as a
// command invocation inside a Docker container, rather than delegating
// to the runtime it wraps (§4.D "Role"). It is installed via
// runtime.Factory's wrap hook whenever an agent's Docker configuration is
// enabled.
type Decorator struct {
	manager *Manager
	stream  *cli.Runner // reused only for its exported stdout-parsing helper
	logger  *logger.Logger
}

// NewDecorator builds the container decorator bound to one container
// manager.
func NewDecorator(manager *Manager, log *logger.Logger) *Decorator {
	return &Decorator{
		manager: manager,
		stream:  cli.NewRunner("", log),
		logger:  log.WithComponent("container.runner"),
	}
}

var _ runtime.Runtime = (*Decorator)(nil)

// Wrap matches runtime.Factory's wrap signature. base is accepted but
// unused: the decorator never calls it, since it drives its own exec
// inside the container instead (§4.D).
func (d *Decorator) Wrap(base runtime.Runtime, agent herd.Agent) (runtime.Runtime, error) {
	return d, nil
}

// buildCommand re-expresses a job's prompt/resume options as the CLI
// binary's command line, the same convention internal/runtime/cli uses,
// so the container need only run one process per job regardless of which
// base runtime the agent is configured for.
func buildCommand(opts runtime.Options) []string {
	command := opts.Agent.Runtime.Command
	if command == "" {
		command = cli.DefaultCommand
	}
	args := []string{command, "-p"}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	} else if opts.ForkSessionID != "" {
		args = append(args, "--fork-session", opts.ForkSessionID)
	}
	return args
}

// Execute gets or creates the agent's container, execs the equivalent
// command with the prompt on stdin, and streams its demultiplexed output
// through the same line-parsing logic as the CLI runner.
func (d *Decorator) Execute(ctx context.Context, opts runtime.Options) (<-chan herd.OutputRecord, error) {
	containerID, ephemeral, err := d.manager.GetOrCreate(ctx, opts.Agent, opts.JobID)
	if err != nil {
		return nil, err
	}

	cmd := buildCommand(opts)
	exec, err := d.manager.client.Exec(ctx, containerID, cmd, nil, containerWorkspacePath, strings.NewReader(opts.Prompt))
	if err != nil {
		d.manager.Release(context.Background(), containerID, ephemeral)
		return nil, err
	}

	out := make(chan herd.OutputRecord)
	go func() {
		defer close(out)
		defer d.manager.Release(context.Background(), containerID, ephemeral)

		send := func(rec herd.OutputRecord) {
			select {
			case out <- rec:
			case <-ctx.Done():
			}
		}

		d.stream.StreamStdout(exec.Stdout, send)

		exitCode, waitErr := exec.Wait(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				send(herd.NewErrorRecord("cancelled", string(errs.KindCancelled)))
				return
			}
			send(herd.NewErrorRecord(waitErr.Error(), string(errs.KindDocker)))
			return
		}
		if exitCode != 0 {
			send(herd.NewErrorRecord(fmt.Sprintf("container command exited with code %d", exitCode), string(errs.KindDocker)))
		}
	}()

	return out, nil
}
