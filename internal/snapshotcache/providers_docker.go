package snapshotcache

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// DockerProvider materializes snapshots as named Docker volumes: Create
// bind-mounts sourceDir read-only into a throwaway container that copies it
// into a fresh named volume, and Mount bind-mounts that volume (also
// read-only on the lower layer) into a new container via a bind propagated
// back to the host through the volume's mountpoint. It is the same
// `github.com/docker/docker` client the teacher's internal/agent/docker
// package wraps, used here for the core's own workspace materialization
// instead of agent-container lifecycle.
type DockerProvider struct {
	cli          *client.Client
	helperImage  string
	volumeDriver string
}

// NewDockerProvider wraps an existing Docker client.
func NewDockerProvider(cli *client.Client, helperImage string) *DockerProvider {
	if helperImage == "" {
		helperImage = "busybox:latest"
	}
	return &DockerProvider{cli: cli, helperImage: helperImage, volumeDriver: "local"}
}

func (p *DockerProvider) Name() string { return "docker" }

func (p *DockerProvider) Available(ctx context.Context) bool {
	if p.cli == nil {
		return false
	}
	_, err := p.cli.Ping(ctx)
	return err == nil
}

func (p *DockerProvider) Create(ctx context.Context, sourceDir string) (string, int64, error) {
	volName := "sessiond-snap-" + uuid.New().String()
	if _, err := p.cli.VolumeCreate(ctx, volume.CreateOptions{Name: volName, Driver: p.volumeDriver}); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "docker volume create failed", err)
	}

	if err := p.runHelper(ctx, []mount.Mount{
		{Type: mount.TypeBind, Source: sourceDir, Target: "/src", ReadOnly: true},
		{Type: mount.TypeVolume, Source: volName, Target: "/dst"},
	}, []string{"sh", "-c", "cp -a /src/. /dst/"}); err != nil {
		_ = p.cli.VolumeRemove(ctx, volName, true)
		return "", 0, err
	}

	size, err := p.volumeSize(ctx, volName)
	if err != nil {
		return "", 0, err
	}
	return volName, size, nil
}

func (p *DockerProvider) Mount(ctx context.Context, snapshotID string) (string, error) {
	// Clone into a fresh volume so each lease gets an independent,
	// writable copy and the original snapshot volume stays immutable.
	leaseVol := snapshotID + "-lease-" + uuid.New().String()[:8]
	if _, err := p.cli.VolumeCreate(ctx, volume.CreateOptions{Name: leaseVol, Driver: p.volumeDriver}); err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "docker lease volume create failed", err)
	}
	if err := p.runHelper(ctx, []mount.Mount{
		{Type: mount.TypeVolume, Source: snapshotID, Target: "/src", ReadOnly: true},
		{Type: mount.TypeVolume, Source: leaseVol, Target: "/dst"},
	}, []string{"sh", "-c", "cp -a /src/. /dst/"}); err != nil {
		_ = p.cli.VolumeRemove(ctx, leaseVol, true)
		return "", err
	}

	inspected, err := p.cli.VolumeInspect(ctx, leaseVol)
	if err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "docker volume inspect failed", err)
	}
	return inspected.Mountpoint, nil
}

func (p *DockerProvider) Release(ctx context.Context, snapshotID string) error {
	if err := p.cli.VolumeRemove(ctx, snapshotID, true); err != nil {
		return coreerr.Wrap(coreerr.Internal, "docker volume remove failed", err)
	}
	return nil
}

func (p *DockerProvider) runHelper(ctx context.Context, mounts []mount.Mount, cmd []string) error {
	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.helperImage,
		Cmd:   cmd,
	}, &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: false,
	}, nil, nil, "sessiond-snap-helper-"+uuid.New().String()[:8])
	if err != nil {
		return coreerr.Wrap(coreerr.ProvisioningFailed, "docker helper container create failed", err)
	}
	defer func() { _ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}) }()

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return coreerr.Wrap(coreerr.ProvisioningFailed, "docker helper container start failed", err)
	}

	statusCh, errCh := p.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return coreerr.Wrap(coreerr.ProvisioningFailed, "docker helper container wait failed", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return coreerr.New(coreerr.ProvisioningFailed, fmt.Sprintf("docker helper container exited %d", status.StatusCode))
		}
	}
	return nil
}

func (p *DockerProvider) volumeSize(ctx context.Context, volName string) (int64, error) {
	inspected, err := p.cli.VolumeInspect(ctx, volName)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.ProvisioningFailed, "docker volume inspect failed", err)
	}
	size, err := dirSize(inspected.Mountpoint)
	if err != nil {
		// The volume's mountpoint may not be host-visible (e.g. remote
		// Docker daemon); fall back to zero rather than failing Create,
		// since the quota accounting then simply treats it as negligible.
		return 0, nil
	}
	return size, nil
}
