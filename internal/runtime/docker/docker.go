// Package docker implements job.Runtime on the local Docker daemon.
// Each unit is an idle container plus a volume holding its artifact
// directory; commands run in it through docker exec.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sutaakar/topsail/internal/artifact"
	"github.com/sutaakar/topsail/internal/job"
	"github.com/sutaakar/topsail/pkg/backoff"
)

// stopTimeout is how long a unit's container gets to stop before it is killed.
const stopTimeout = 5

// Runtime implements job.Runtime using Docker.
type Runtime struct {
	client       *client.Client
	secretDir    string
	readyTimeout time.Duration
	state        *stateRepo
}

// Config holds configuration for the Docker runtime.
type Config struct {
	SecretDir    string        // Host directory holding one directory per secret
	ReadyTimeout time.Duration // How long a unit may take to start (default 2m)
}

// New creates a Docker runtime using the daemon from the environment.
func New(cfg Config) (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Minute
	}

	return &Runtime{
		client:       dockerClient,
		secretDir:    cfg.SecretDir,
		readyTimeout: readyTimeout,
		state:        newStateRepo(),
	}, nil
}

// Acquire creates the unit's volume and container and waits for it to run.
// Once any resource exists the unit is returned, with or without an error.
func (r *Runtime) Acquire(ctx context.Context, spec job.UnitSpec) (job.Unit, error) {
	if err := r.state.reserve(spec.Name); err != nil {
		return nil, err
	}
	logger := slog.With("unit", spec.Name)
	u := &unit{rt: r, name: spec.Name}
	us := &unitState{}

	r.removeStale(ctx, logger, spec.Name)

	if _, err := r.client.VolumeCreate(ctx, volume.CreateOptions{Name: volumeName(spec.Name), Labels: spec.Labels}); err != nil {
		r.state.release(spec.Name)
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	us.volumeName = volumeName(spec.Name)
	r.state.commit(spec.Name, us)

	// Pull with a detached context so an HTTP timeout doesn't abort it halfway.
	if err := r.pullImageIfNeeded(context.WithoutCancel(ctx), spec.Image); err != nil {
		return u, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig(spec), hostConfig(spec, r.secretDir), nil, nil, spec.Name)
	if err != nil {
		return u, fmt.Errorf("failed to create container: %w", err)
	}
	us.containerID = resp.ID
	r.state.commit(spec.Name, us)

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return u, fmt.Errorf("failed to start container: %w", err)
	}

	if err := r.waitRunning(ctx, resp.ID); err != nil {
		return u, err
	}

	logger.Debug("Unit running", "containerId", resp.ID, "image", spec.Image)
	return u, nil
}

// removeStale deletes a container and volume left behind under the same
// name by an interrupted run.
func (r *Runtime) removeStale(ctx context.Context, logger *slog.Logger, name string) {
	if err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err == nil {
		logger.Warn("Removed stale unit container")
	}
	_ = r.client.VolumeRemove(ctx, volumeName(name), true)
}

func (r *Runtime) waitRunning(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.readyTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		inspect, err := r.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}
		if inspect.State != nil {
			if inspect.State.Running {
				return nil
			}
			if inspect.State.Status == "exited" || inspect.State.Status == "dead" {
				return fmt.Errorf("container exited with status %d before becoming ready: %s", inspect.State.ExitCode, inspect.State.Error)
			}
		}
		if err := backoff.Sleep(ctx, attempt, &backoff.Config{Max: 2 * time.Second}); err != nil {
			return fmt.Errorf("timed out waiting for container to run: %w", err)
		}
	}
}

func (r *Runtime) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := r.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// ReadSecret reads key from the secret directory name. Docker has no
// namespaces, so namespace is ignored.
func (r *Runtime) ReadSecret(_ context.Context, _, name, key string) ([]byte, error) {
	if r.secretDir == "" {
		return nil, errors.New("no secret directory configured")
	}
	data, err := os.ReadFile(filepath.Join(r.secretDir, name, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s/%s: %w", name, key, err)
	}
	return data, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runtime) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases any unit still held, then the client.
func (r *Runtime) Close() error {
	ctx := context.Background()
	for _, name := range r.state.names() {
		if us, ok := r.state.release(name); ok && us != nil {
			slog.Warn("Releasing unit left behind", "unit", name)
			if err := r.cleanup(ctx, us); err != nil {
				slog.Error("Failed to release unit", "unit", name, "error", err)
			}
		}
	}
	return r.client.Close()
}

func (r *Runtime) cleanup(ctx context.Context, us *unitState) error {
	var errs []error
	if us.containerID != "" {
		timeout := stopTimeout
		_ = r.client.ContainerStop(ctx, us.containerID, container.StopOptions{Timeout: &timeout})
		if err := r.client.ContainerRemove(ctx, us.containerID, container.RemoveOptions{Force: true}); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove container: %w", err))
		}
	}
	if us.volumeName != "" {
		if err := r.client.VolumeRemove(ctx, us.volumeName, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove volume: %w", err))
		}
	}
	return errors.Join(errs...)
}

// unit is one acquired container.
type unit struct {
	rt   *Runtime
	name string
}

func (u *unit) Name() string { return u.name }

func (u *unit) containerID() (string, error) {
	us, ok := u.rt.state.get(u.name)
	if !ok || us == nil || us.containerID == "" {
		return "", fmt.Errorf("unit %s has no container", u.name)
	}
	return us.containerID, nil
}

// Exec runs req through /bin/sh -c and returns its exit status.
func (u *unit) Exec(ctx context.Context, req job.ExecRequest) (int, error) {
	id, err := u.containerID()
	if err != nil {
		return -1, err
	}

	created, err := u.rt.client.ContainerExecCreate(ctx, id, execOptions(req))
	if err != nil {
		return -1, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := u.rt.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		<-copyDone
		return -1, ctx.Err()
	case err := <-copyDone:
		if err != nil {
			return -1, fmt.Errorf("failed to read exec output: %w", err)
		}
	}

	inspect, err := u.rt.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// CopyFrom copies the contents of srcDir into destDir.
func (u *unit) CopyFrom(ctx context.Context, srcDir, destDir string) error {
	id, err := u.containerID()
	if err != nil {
		return err
	}

	reader, _, err := u.rt.client.CopyFromContainer(ctx, id, srcDir)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", srcDir, err)
	}
	defer reader.Close()

	// Docker wraps the copied directory in a folder named after it.
	return artifact.ExtractTar(reader, destDir, true)
}

// Release removes the container and volume. Releasing twice is a no-op.
func (u *unit) Release(ctx context.Context) error {
	us, ok := u.rt.state.release(u.name)
	if !ok || us == nil {
		return nil
	}
	return u.rt.cleanup(ctx, us)
}

// Verify Runtime implements job.Runtime
var _ job.Runtime = (*Runtime)(nil)
