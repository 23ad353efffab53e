package dockerservice

import (
	"context"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// JobMount is where the worker's workspace appears inside the container.
const JobMount = "/job"

// ContainerOptions describes an interactive sandbox container. Its stdin stays open until
// the attached writer half-closes it.
type ContainerOptions struct {
	Name        string
	Image       string
	Cmd         []string
	User        string
	WorkDir     string
	Env         []string
	Labels      map[string]string
	Runtime     string
	CPUQuota    int64
	MemoryLimit int64
}

type DockerService struct {
	docker *client.Client
}

func NewDockerService() (*DockerService, error) {
	dc, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	return &DockerService{
		docker: dc,
	}, nil
}

func (d *DockerService) Ping(ctx context.Context) error {
	_, err := d.docker.Ping(ctx, client.PingOptions{})
	return err
}

// CreateContainer creates, but does not start, a sandbox container with no network access.
// The workspace is bind mounted at JobMount and used as the working directory.
func (d *DockerService) CreateContainer(ctx context.Context, opts ContainerOptions) (string, error) {
	if opts.WorkDir == "" {
		return "", fmt.Errorf("container %s needs a workspace", opts.Name)
	}

	pl := int64(64)
	hostCfg := &container.HostConfig{
		Runtime:     opts.Runtime,
		NetworkMode: container.NetworkMode(network.NetworkNone),
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  opts.CPUQuota,
			Memory:    opts.MemoryLimit,
			PidsLimit: &pl,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,mode=0777,size=67108864",
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.WorkDir,
				Target: JobMount,
			},
		},
	}
	cfg := &container.Config{
		Image:        opts.Image,
		Labels:       opts.Labels,
		User:         opts.User,
		Cmd:          opts.Cmd,
		WorkingDir:   JobMount,
		Env:          opts.Env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             opts.Name,
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// Attach connects to the container's stdio. Stdout and stderr arrive multiplexed.
func (d *DockerService) Attach(ctx context.Context, id string) (client.HijackedResponse, error) {
	res, err := d.docker.ContainerAttach(ctx, id, client.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return client.HijackedResponse{}, err
	}
	return res.HijackedResponse, nil
}

func (d *DockerService) StartContainer(ctx context.Context, id string) error {
	_, err := d.docker.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

func (d *DockerService) StopContainer(ctx context.Context, id string, timeout int) error {
	_, err := d.docker.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

func (d *DockerService) RemoveContainer(ctx context.Context, id string) error {
	_, err := d.docker.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force: true,
	})
	return err
}

func (d *DockerService) IsRunning(ctx context.Context, id string) (bool, error) {
	ic, err := d.docker.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return false, err
	}
	return ic.Container.State.Status == container.StateRunning, nil
}

func (d *DockerService) Close() error {
	return d.docker.Close()
}
