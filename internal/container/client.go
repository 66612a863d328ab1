// Package container implements the container runner (§4.D): a decorator
// that re-expresses a job as a command invocation inside a Docker
// container, built around the teacher's low-level Docker SDK wrapper.
package container

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
)

// execPollInterval paces the exec-wait poll loop so it doesn't spin the
// CPU and the Docker API hammering ContainerExecInspect.
const execPollInterval = 50 * time.Millisecond

// MountSpec is one bind mount translated from the resolved Docker
// configuration (§4.D "Mounts (path translation)").
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes the container the manager wants running. Every
// container is created with an idle entrypoint and driven entirely
// through Exec, so the same container can be reused across jobs
// regardless of whether it is ultimately kept (persistent) or stopped
// after one job (ephemeral).
type ContainerSpec struct {
	Name            string
	Image           string
	Env             []string
	WorkingDir      string
	Mounts          []MountSpec
	NetworkMode     string
	User            string
	Labels          map[string]string
	Memory          int64
	MemorySwap      int64
	CPUShares       int64
	CPUPeriod       int64
	CPUQuota        int64
	PidsLimit       int64
	Tmpfs           map[string]string
	CapDropAll      bool
	NoNewPrivileges bool
}

// idleEntrypoint keeps a container alive with no workload of its own;
// actual commands run through Exec.
var idleEntrypoint = []string{"tail", "-f", "/dev/null"}

// ContainerSummary is the subset of ContainerList/ContainerInspect output
// the manager needs to recognize and reuse an existing container.
type ContainerSummary struct {
	ID        string
	Name      string
	Labels    map[string]string
	State     string
	CreatedAt int64
}

// ExecResult streams one exec session's demultiplexed output and reports
// its exit code once the command finishes.
type ExecResult struct {
	Stdout io.Reader
	wait   func(ctx context.Context) (int64, error)
}

// Wait blocks until the exec'd command finishes and returns its exit code.
func (r *ExecResult) Wait(ctx context.Context) (int64, error) {
	return r.wait(ctx)
}

// Client wraps the Docker SDK client with the operations the container
// manager needs.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient dials the Docker daemon at host (empty for the SDK default)
// negotiating the API version unless apiVersion is set explicitly.
func NewClient(host, apiVersion string, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &errs.DockerError{Op: "new_client", Message: "failed to construct docker client", Err: err}
	}

	return &Client{cli: cli, logger: log.WithComponent("container.client")}, nil
}

// Close releases the underlying Docker client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the daemon is reachable, used at startup to decide
// whether Docker-backed agents can be scheduled at all.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return &errs.DockerError{Op: "ping", Message: "docker daemon unreachable", Err: err}
	}
	return nil
}

// EnsureImage pulls imageName unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	images, err := c.cli.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", imageName))})
	if err == nil && len(images) > 0 {
		return nil
	}

	c.logger.Info("pulling docker image", zap.String("image", imageName))
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return &errs.DockerError{Op: "pull_image", Message: imageName, Err: err}
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return &errs.DockerError{Op: "pull_image", Message: "reading pull progress for " + imageName, Err: err}
	}
	return nil
}

// CreateContainer creates (but does not start) a container running the
// idle entrypoint, ready to receive Exec calls.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	tmpfs := make(map[string]string, len(spec.Tmpfs))
	for k, v := range spec.Tmpfs {
		tmpfs[k] = v
	}

	containerCfg := &dockercontainer.Config{
		Image:      spec.Image,
		Cmd:        idleEntrypoint,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     spec.Labels,
	}

	var capDrop []string
	if spec.CapDropAll {
		capDrop = []string{"ALL"}
	}
	var securityOpt []string
	if spec.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges:true")
	}

	hostCfg := &dockercontainer.HostConfig{
		Mounts:      mounts,
		NetworkMode: dockercontainer.NetworkMode(spec.NetworkMode),
		CapDrop:     capDrop,
		SecurityOpt: securityOpt,
		Tmpfs:       tmpfs,
		Resources: dockercontainer.Resources{
			Memory:     spec.Memory,
			MemorySwap: spec.MemorySwap,
			CPUShares:  spec.CPUShares,
			CPUPeriod:  spec.CPUPeriod,
			CPUQuota:   spec.CPUQuota,
			PidsLimit:  &spec.PidsLimit,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", &errs.DockerError{Op: "create_container", Message: spec.Name, Err: err}
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return &errs.DockerError{Op: "start_container", Message: containerID, Err: err}
	}
	return nil
}

// StopContainer stops a running container, tripping AutoRemove-equivalent
// cleanup performed by the manager immediately afterward for ephemeral
// containers.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	if err := c.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return &errs.DockerError{Op: "stop_container", Message: containerID, Err: err}
	}
	return nil
}

// RemoveContainer force-removes a container and its volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return &errs.DockerError{Op: "remove_container", Message: containerID, Err: err}
	}
	return nil
}

// ListContainers returns every container (running or stopped) carrying
// all of labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, &errs.DockerError{Op: "list_containers", Message: "label filter", Err: err}
	}

	summaries := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		summaries = append(summaries, ContainerSummary{
			ID: ctr.ID, Name: name, Labels: ctr.Labels, State: ctr.State, CreatedAt: ctr.Created,
		})
	}
	return summaries, nil
}

// Exec runs cmd inside containerID, writing prompt to the exec's stdin
// and returning a demultiplexed combined stdout/stderr reader plus a Wait
// function that resolves the exit code once the process ends.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, env []string, workdir string, stdin io.Reader) (*ExecResult, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workdir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, &errs.DockerError{Op: "exec_create", Message: containerID, Err: err}
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecAttachOptions{Tty: false})
	if err != nil {
		return nil, &errs.DockerError{Op: "exec_attach", Message: containerID, Err: err}
	}

	go func() {
		if stdin != nil {
			_, _ = io.Copy(attach.Conn, stdin)
		}
		attach.CloseWrite()
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplexStream(attach.Reader, stdoutWriter, c.logger)
	}()

	wait := func(ctx context.Context) (int64, error) {
		defer attach.Close()
		for {
			inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
			if err != nil {
				return -1, &errs.DockerError{Op: "exec_inspect", Message: containerID, Err: err}
			}
			if !inspect.Running {
				return int64(inspect.ExitCode), nil
			}
			select {
			case <-ctx.Done():
				return -1, ctx.Err()
			case <-time.After(execPollInterval):
			}
		}
	}

	return &ExecResult{Stdout: stdoutReader, wait: wait}, nil
}

// demultiplexStream reads Docker's multiplexed stream format (8-byte
// header: stream type, 3 reserved, 4-byte big-endian frame size) and
// writes both stdout and stderr frames to writer, since agent errors
// should be visible in the same OutputRecord stream.
func demultiplexStream(reader io.Reader, writer io.Writer, log *logger.Logger) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				log.Debug("demultiplex stream ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			log.Debug("failed to read exec frame", zap.Error(err))
			return
		}
		if streamType == 1 || streamType == 2 {
			if _, err := writer.Write(data); err != nil {
				return
			}
		}
	}
}
