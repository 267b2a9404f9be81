package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend implements Backend using the local Docker daemon, the
// local container runtime variant.
type DockerBackend struct {
	client *client.Client
}

// dockerHandle represents one running container.
type dockerHandle struct {
	client      *client.Client
	containerID string
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// NewDockerBackend creates a Docker-based backend using the standard
// environment variables (DOCKER_HOST, etc.) to locate the daemon.
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerBackend{client: cli}, nil
}

// Spawn implements Backend.Spawn using a Docker container per stage.
func (d *DockerBackend) Spawn(ctx context.Context, spec JobSpec) (Handle, error) {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, spec.Image); err != nil {
		reader, pullErr := d.client.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
		if pullErr != nil {
			return nil, &ImagePullError{Image: spec.Image, Err: pullErr}
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   mapToEnvList(spec.Env),
	}

	created, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, &SpawnError{Err: err}
	}

	return &dockerHandle{client: d.client, containerID: created.ID}, nil
}

func (h *dockerHandle) Wait(ctx context.Context) (JobResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return JobResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return JobResult{ExitCode: int(status.StatusCode), Error: fmt.Errorf("%s", status.Error.Message)}, nil
		}
		return JobResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return JobResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *dockerHandle) Cancel(ctx context.Context) error {
	timeout := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *dockerHandle) Status(ctx context.Context) (JobStatus, error) {
	inspect, err := h.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return JobStatus{}, err
	}
	switch {
	case inspect.State.Running:
		return JobStatus{Phase: PhaseRunning}, nil
	case inspect.State.OOMKilled, inspect.State.ExitCode != 0:
		return JobStatus{Phase: PhaseFailed, ExitCode: inspect.State.ExitCode, Reason: inspect.State.Error}, nil
	case inspect.State.Status == "exited":
		return JobStatus{Phase: PhaseSucceeded}, nil
	default:
		return JobStatus{Phase: PhasePending}, nil
	}
}

// Logs demuxes the container's combined stdout/stderr stream via
// stdcopy (the container is created without a TTY so the daemon
// multiplexes both streams over one connection) and delivers one
// LogChunk per line, tagged with its originating stream.
func (h *dockerHandle) Logs(ctx context.Context) (<-chan LogChunk, <-chan error) {
	out := make(chan LogChunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			errs <- fmt.Errorf("open log stream: %w", err)
			return
		}
		defer rc.Close()

		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()

		done := make(chan error, 1)
		go func() {
			_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, rc)
			stdoutW.Close()
			stderrW.Close()
			done <- copyErr
		}()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); scanIntoChunks(ctx, stdoutR, LogStreamStdout, out) }()
		go func() { defer wg.Done(); scanIntoChunks(ctx, stderrR, LogStreamStderr, out) }()

		copyErr := <-done
		wg.Wait()
		if copyErr != nil && copyErr != io.EOF {
			errs <- fmt.Errorf("demux log stream: %w", copyErr)
		}
	}()

	return out, errs
}

func scanIntoChunks(ctx context.Context, r io.Reader, stream LogStream, out chan<- LogChunk) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		chunk := LogChunk{Stream: stream, Content: scanner.Text(), Timestamp: time.Now().UTC()}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}
