// Package runtime defines the pluggable runner interface (§4.C) shared by
// the SDK runner, the CLI runner, and the container decorator.
package runtime

import (
	"context"
	"fmt"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/pkg/herd"
)

// Options carry everything a runtime needs to execute one job. ResumeSessionID
// and ForkSessionID are mutually exclusive; the factory/caller is responsible
// for enforcing that.
type Options struct {
	Prompt           string
	Agent            herd.Agent
	ResumeSessionID  string
	ForkSessionID    string
	StateDir         string
	JobID            string
	ExtensionServers []herd.MCPServer
}

// Runtime exposes one operation: Execute returns a finite, single-pass,
// totally-ordered channel of OutputRecord for one job. The channel is
// closed when the underlying model session reports completion, the
// process exits, or ctx is cancelled. A runtime that fails mid-stream
// sends a final error record classified per §7 before closing.
type Runtime interface {
	Execute(ctx context.Context, opts Options) (<-chan herd.OutputRecord, error)
}

// Kind identifies a base runtime implementation, independent of whether it
// is wrapped by the container decorator.
type Kind string

const (
	KindSDK Kind = "sdk"
	KindCLI Kind = "cli"
)

// Factory constructs a Runtime for an agent. It never executes a job
// itself; unknown runtime types fail here rather than at execution time
// (§4.C "Runtime factory").
type Factory struct {
	newSDK func() Runtime
	newCLI func(command string) Runtime
	wrap   func(base Runtime, agent herd.Agent) (Runtime, error)
}

// NewFactory builds a runtime factory. newSDK and newCLI construct base
// runtimes; wrap, if non-nil, is consulted whenever an agent's Docker
// configuration is enabled, to compose the container decorator (§4.D)
// around the selected base runtime.
func NewFactory(
	newSDK func() Runtime,
	newCLI func(command string) Runtime,
	wrap func(base Runtime, agent herd.Agent) (Runtime, error),
) *Factory {
	return &Factory{newSDK: newSDK, newCLI: newCLI, wrap: wrap}
}

// For returns the runtime to execute agent's jobs with.
func (f *Factory) For(agent herd.Agent) (Runtime, error) {
	var base Runtime

	switch agent.Runtime.Type {
	case "", herd.RuntimeSDK:
		base = f.newSDK()
	case herd.RuntimeCLI:
		command := agent.Runtime.Command
		if command == "" {
			command = "claude"
		}
		base = f.newCLI(command)
	default:
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit,
			fmt.Sprintf("unknown runtime type %q for agent %q", agent.Runtime.Type, agent.Name), false, nil)
	}

	if agent.Docker.Enabled && f.wrap != nil {
		wrapped, err := f.wrap(base, agent)
		if err != nil {
			return nil, err
		}
		return wrapped, nil
	}
	return base, nil
}
