// Package engine abstracts the container engine the core runs against:
// list/inspect/exec/get-archive/put-archive/create/start/stop/remove/pull
// and basic network operations. Production code talks to the Docker
// daemon through SDKClient (internal/engine/sdk.go); tests use MockClient.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/stackvault/backupd/internal/model"
)

// ExecResult holds the captured output of a one-shot exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Client is the full verb set the backup/restore engine consumes from the
// container engine. It generalizes the teacher's read-only docker.Client
// to the read/write surface stack backup and restore require.
type Client interface {
	// ContainerList returns containers, optionally filtered by compose project.
	ContainerList(ctx context.Context, all bool, projectFilter string) ([]model.ContainerHandle, error)

	// ContainerInspect returns the full handle for one container.
	ContainerInspect(ctx context.Context, id string) (*model.ContainerHandle, error)

	// Exec runs a command inside a running container and captures its
	// output in full (no streaming) — used for dumps and readiness probes.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	// ExecWithInput runs a command with stdin connected to src, blocking
	// until src is exhausted and the command exits — used for SQL replay,
	// piping a dump into a database client running inside the container.
	ExecWithInput(ctx context.Context, containerID string, cmd []string, stdin io.Reader) (*ExecResult, error)

	// GetArchive streams a tar of the given absolute path out of the
	// container's filesystem. The caller must close the returned reader.
	GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error)

	// PutArchive extracts a tar stream into the container's filesystem at
	// destDir. Works on stopped containers (offline injection).
	PutArchive(ctx context.Context, containerID, destDir string, tar io.Reader) error

	// ImagePresent reports whether an image exists locally.
	ImagePresent(ctx context.Context, imageRef string) (bool, error)

	// PullImage pulls an image, blocking until the pull completes.
	PullImage(ctx context.Context, imageRef string) error

	// CreateContainer creates (but does not start) a container from spec.
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)

	// StartContainer starts an existing container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, id string) error

	// RemoveContainer removes a container. If force, removes even if running.
	RemoveContainer(ctx context.Context, id string, force bool) error

	// NetworkEnsure creates a bridge network with the given name if it
	// does not already exist, and returns its id either way.
	NetworkEnsure(ctx context.Context, name string) (id string, err error)

	// NetworkExists reports whether a network with the given name exists.
	NetworkExists(ctx context.Context, name string) (bool, error)

	// PublishedPorts returns the set of host ports currently published by
	// any container, used by the port-availability probe.
	PublishedPorts(ctx context.Context) (map[string]bool, error)

	Close() error
}

// ContainerSpec is the full set of parameters used to recreate a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Command       []string
	ExposedPorts  []string
	PortBindings  []model.PortBinding
	Binds         []model.Bind
	NetworkName   string
	NetworkAliases []string
	RestartPolicy string // "unless-stopped"
}

// PortAvailable reports whether host port p is free to bind, consulting
// both a live TCP bind attempt and the engine's published-ports view, per
// the two-condition probe in the conflict rewriter's design. If the
// engine call fails, it falls back to the bind-only check and the caller
// is expected to log a warning.
func PortAvailable(ctx context.Context, cl Client, p string) (ok bool, engineErr error) {
	bindFree := tcpBindFree(p)
	if !bindFree {
		return false, nil
	}
	published, err := cl.PublishedPorts(ctx)
	if err != nil {
		return true, err
	}
	return !published[p], nil
}

const defaultProbeTimeout = 2 * time.Second
