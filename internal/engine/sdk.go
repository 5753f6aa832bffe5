package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/stackvault/backupd/internal/model"
)

// SDKClient implements Client using the Docker Engine SDK.
type SDKClient struct {
	cli *client.Client
}

// NewSDKClient creates an SDKClient connected to whatever DOCKER_HOST
// points to (default /var/run/docker.sock).
func NewSDKClient() (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("engine sdk: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

func toHandle(c container.Summary, inspect *container.InspectResponse) model.ContainerHandle {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	h := model.ContainerHandle{
		ID:             c.ID,
		Name:           name,
		Image:          c.Image,
		Labels:         c.Labels,
		ComposeProject: c.Labels["com.docker.compose.project"],
		ComposeService: c.Labels["com.docker.compose.service"],
		Ports:          map[string]string{},
		Networks:       map[string]model.NetworkAttachment{},
	}
	for _, p := range c.Ports {
		if p.PublicPort != 0 {
			key := fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
			h.Ports[key] = strconv.Itoa(int(p.PublicPort))
		}
	}
	if inspect != nil {
		if inspect.Config != nil {
			h.Env = inspect.Config.Env
			h.Command = inspect.Config.Cmd
			h.WorkingDir = inspect.Config.WorkingDir
		}
		if inspect.HostConfig != nil {
			for _, b := range inspect.HostConfig.Binds {
				parts := strings.SplitN(b, ":", 3)
				if len(parts) >= 2 {
					bind := model.Bind{HostPath: parts[0], ContainerPath: parts[1]}
					if len(parts) == 3 && strings.Contains(parts[2], "ro") {
						bind.ReadOnly = true
					}
					h.Binds = append(h.Binds, bind)
				}
			}
		}
		for _, m := range inspect.Mounts {
			h.Mounts = append(h.Mounts, model.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        string(m.Type),
			})
		}
		if inspect.NetworkSettings != nil {
			for netName, ep := range inspect.NetworkSettings.Networks {
				h.Networks[netName] = model.NetworkAttachment{
					NetworkID: ep.NetworkID,
					IPv4:      ep.IPAddress,
					Aliases:   ep.Aliases,
				}
			}
		}
	}
	return h
}

func (s *SDKClient) ContainerList(ctx context.Context, all bool, projectFilter string) ([]model.ContainerHandle, error) {
	opts := container.ListOptions{All: all}
	if projectFilter != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", "com.docker.compose.project="+projectFilter))
	}
	raw, err := s.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	result := make([]model.ContainerHandle, 0, len(raw))
	for _, c := range raw {
		result = append(result, toHandle(c, nil))
	}
	return result, nil
}

func (s *SDKClient) ContainerInspect(ctx context.Context, id string) (*model.ContainerHandle, error) {
	raw, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	name := strings.TrimPrefix(raw.Name, "/")
	summary := container.Summary{ID: raw.ID, Names: []string{name}, Image: raw.Config.Image, Labels: raw.Config.Labels}
	h := toHandle(summary, &raw)
	return &h, nil
}

func (s *SDKClient) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := s.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("exec demux: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}, nil
}

func (s *SDKClient) ExecWithInput(ctx context.Context, containerID string, cmd []string, stdin io.Reader) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := s.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	writeErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(attach.Conn, stdin)
		if err == nil {
			err = attach.CloseWrite()
		}
		writeErr <- err
	}()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	if werr := <-writeErr; werr != nil && werr != io.EOF {
		return nil, fmt.Errorf("exec stdin write: %w", werr)
	}
	if copyErr != nil && copyErr != io.EOF {
		return nil, fmt.Errorf("exec demux: %w", copyErr)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}, nil
}

func (s *SDKClient) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("get archive %s: %w", path, err)
	}
	return rc, nil
}

func (s *SDKClient) PutArchive(ctx context.Context, containerID, destDir string, tarStream io.Reader) error {
	if err := s.cli.CopyToContainer(ctx, containerID, destDir, tarStream, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("put archive %s: %w", destDir, err)
	}
	return nil
}

func (s *SDKClient) ImagePresent(ctx context.Context, imageRef string) (bool, error) {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("image inspect: %w", err)
	}
	return true, nil
}

func (s *SDKClient) PullImage(ctx context.Context, imageRef string) error {
	rc, err := s.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", imageRef, err)
	}
	defer rc.Close()
	// Drain the pull progress stream; we don't surface per-layer progress.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", imageRef, err)
	}
	return nil
}

func (s *SDKClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Cmd:   spec.Command,
	}
	exposed := make(map[string]struct{})
	for _, p := range spec.ExposedPorts {
		exposed[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: restartPolicy(spec.RestartPolicy),
	}
	for _, b := range spec.Binds {
		bind := b.HostPath + ":" + b.ContainerPath
		if b.ReadOnly {
			bind += ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}
	portBindings := map[string][]container.PortBinding{}
	for _, pb := range spec.PortBindings {
		key := pb.ContainerPort + "/" + pb.Protocol
		portBindings[key] = append(portBindings[key], container.PortBinding{HostIP: "0.0.0.0", HostPort: pb.HostPort})
	}
	hostCfg.PortBindings = portBindings

	var netCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkName: {Aliases: spec.NetworkAliases},
			},
		}
	}

	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func restartPolicy(name string) container.RestartPolicy {
	if name == "" {
		return container.RestartPolicy{}
	}
	return container.RestartPolicy{Name: container.RestartPolicyMode(name)}
}

func (s *SDKClient) StartContainer(ctx context.Context, id string) error {
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", id, err)
	}
	return nil
}

func (s *SDKClient) StopContainer(ctx context.Context, id string) error {
	if err := s.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("container stop %s: %w", id, err)
	}
	return nil
}

func (s *SDKClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

func (s *SDKClient) NetworkEnsure(ctx context.Context, name string) (string, error) {
	exists, err := s.NetworkExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		nets, err := s.cli.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("name", name))})
		if err != nil {
			return "", fmt.Errorf("network list %s: %w", name, err)
		}
		for _, n := range nets {
			if n.Name == name {
				return n.ID, nil
			}
		}
	}
	resp, err := s.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("network create %s: %w", name, err)
	}
	return resp.ID, nil
}

func (s *SDKClient) NetworkExists(ctx context.Context, name string) (bool, error) {
	nets, err := s.cli.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("name", name))})
	if err != nil {
		return false, fmt.Errorf("network list %s: %w", name, err)
	}
	for _, n := range nets {
		if n.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *SDKClient) PublishedPorts(ctx context.Context) (map[string]bool, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("container list for ports: %w", err)
	}
	published := make(map[string]bool)
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				published[strconv.Itoa(int(p.PublicPort))] = true
			}
		}
	}
	return published, nil
}

func (s *SDKClient) Close() error {
	return s.cli.Close()
}

// tarEntryNames returns the names of all entries in a tar stream, in
// stream order.
func tarEntryNames(r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}

var _ Client = (*SDKClient)(nil)
