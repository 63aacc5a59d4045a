package docker

import (
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/sutaakar/topsail/internal/job"
)

// idleCommand keeps a unit's container alive between Exec calls.
var idleCommand = []string{"/bin/sh", "-c", "trap 'exit 0' TERM; while :; do sleep 3600 & wait $!; done"}

func volumeName(unit string) string {
	return unit + "-artifacts"
}

func containerConfig(spec job.UnitSpec) *container.Config {
	return &container.Config{
		Image:      spec.Image,
		Entrypoint: idleCommand,
		Env:        job.EnvList(spec.Env),
		WorkingDir: spec.WorkDir,
		Labels:     spec.Labels,
	}
}

func hostConfig(spec job.UnitSpec, secretDir string) *container.HostConfig {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: volumeName(spec.Name),
			Target: spec.ArtifactDir,
		},
	}
	if spec.Secret != nil {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   filepath.Join(secretDir, spec.Secret.Name),
			Target:   spec.Secret.MountPath(),
			ReadOnly: true,
		})
	}
	return &container.HostConfig{Mounts: mounts}
}

func execOptions(req job.ExecRequest) container.ExecOptions {
	return container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", req.Command},
		Env:          job.EnvList(req.Env),
		WorkingDir:   req.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	}
}
