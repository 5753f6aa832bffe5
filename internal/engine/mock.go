package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/stackvault/backupd/internal/model"
)

// MockClient is a pure in-memory Client for tests. It holds a fixed set of
// containers, per-container file trees (for GetArchive/PutArchive), and
// scripted exec responses keyed by the joined command — generalizing the
// teacher's MockClient (which synthesizes state from compose.yaml files on
// disk) to a fixture the backup/restore engine can drive deterministically
// without a stacks directory.
type MockClient struct {
	mu          sync.Mutex
	containers  map[string]*model.ContainerHandle
	files       map[string]map[string][]byte // containerID -> path -> contents
	execResults map[string]*ExecResult        // "containerID\x00cmd" -> result
	stdinCapture map[string][]byte             // "containerID\x00cmd" -> bytes read from stdin
	images      map[string]bool
	networks    map[string]string // name -> id
	published   map[string]bool
	started     map[string]bool
}

// NewMockClient returns an empty MockClient ready for fixture setup.
func NewMockClient() *MockClient {
	return &MockClient{
		containers:   map[string]*model.ContainerHandle{},
		files:        map[string]map[string][]byte{},
		execResults:  map[string]*ExecResult{},
		stdinCapture: map[string][]byte{},
		images:       map[string]bool{},
		networks:     map[string]string{},
		published:    map[string]bool{},
		started:      map[string]bool{},
	}
}

// AddContainer registers a container handle in the fixture.
func (m *MockClient) AddContainer(h model.ContainerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := h
	m.containers[h.ID] = &cp
	m.started[h.ID] = true
	for _, hostPort := range h.Ports {
		m.published[hostPort] = true
	}
}

// SetFile seeds a file at path inside a container's fixture filesystem.
func (m *MockClient) SetFile(containerID, path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[containerID] == nil {
		m.files[containerID] = map[string][]byte{}
	}
	m.files[containerID][path] = content
}

// SetExecResult scripts the response for a given container+command.
func (m *MockClient) SetExecResult(containerID string, cmd []string, result *ExecResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execResults[execKey(containerID, cmd)] = result
}

// SetImagePresent marks whether an image is considered locally present.
func (m *MockClient) SetImagePresent(imageRef string, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[imageRef] = present
}

func execKey(containerID string, cmd []string) string {
	return containerID + "\x00" + fmt.Sprint(cmd)
}

func (m *MockClient) ContainerList(ctx context.Context, all bool, projectFilter string) ([]model.ContainerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ContainerHandle
	for id, h := range m.containers {
		if projectFilter != "" && h.ComposeProject != projectFilter {
			continue
		}
		if !all && !m.started[id] {
			continue
		}
		out = append(out, *h)
	}
	return out, nil
}

func (m *MockClient) ContainerInspect(ctx context.Context, id string) (*model.ContainerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.containers[id]
	if !ok {
		return nil, fmt.Errorf("container inspect %s: %w", id, &notFound{})
	}
	cp := *h
	return &cp, nil
}

type notFound struct{}

func (*notFound) Error() string { return "not found" }

// IsNotFound reports whether err (or something it wraps) denotes a
// missing container/path in the mock fixture.
func IsNotFound(err error) bool {
	var nf *notFound
	return errors.As(err, &nf)
}

func (m *MockClient) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.execResults[execKey(containerID, cmd)]; ok {
		return r, nil
	}
	return &ExecResult{}, nil
}

// ExecWithInput records stdin verbatim (retrievable via StdinCapture) and
// returns whatever was scripted for containerID+cmd via SetExecResult, or
// an empty result.
func (m *MockClient) ExecWithInput(ctx context.Context, containerID string, cmd []string, stdin io.Reader) (*ExecResult, error) {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	key := execKey(containerID, cmd)
	m.stdinCapture[key] = data
	r, ok := m.execResults[key]
	m.mu.Unlock()
	if ok {
		return r, nil
	}
	return &ExecResult{}, nil
}

// StdinCapture returns whatever was piped into ExecWithInput for
// containerID+cmd, for test assertions.
func (m *MockClient) StdinCapture(containerID string, cmd []string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.stdinCapture[execKey(containerID, cmd)]
	return b, ok
}

func (m *MockClient) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	tree := m.files[containerID]
	m.mu.Unlock()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	found := false
	for p, content := range tree {
		if p == path || hasPrefixDir(p, path) {
			found = true
			hdr := &tar.Header{Name: p, Size: int64(len(content)), Mode: 0644}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			if _, err := tw.Write(content); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("get archive %s: %w", path, &notFound{})
	}
	return io.NopCloser(&buf), nil
}

func hasPrefixDir(p, dir string) bool {
	return len(p) > len(dir) && p[:len(dir)] == dir && p[len(dir)] == '/'
}

func (m *MockClient) PutArchive(ctx context.Context, containerID, destDir string, tarStream io.Reader) error {
	tr := tar.NewReader(tarStream)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[containerID] == nil {
		m.files[containerID] = map[string][]byte{}
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		m.files[containerID][destDir+"/"+hdr.Name] = content
	}
	return nil
}

func (m *MockClient) ImagePresent(ctx context.Context, imageRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[imageRef], nil
}

func (m *MockClient) PullImage(ctx context.Context, imageRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[imageRef] = true
	return nil
}

func (m *MockClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "mock-" + spec.Name
	h := &model.ContainerHandle{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		Env:     spec.Env,
		Command: spec.Command,
		Binds:   spec.Binds,
		Ports:   map[string]string{},
	}
	for _, pb := range spec.PortBindings {
		h.Ports[pb.ContainerPort+"/"+pb.Protocol] = pb.HostPort
		m.published[pb.HostPort] = true
	}
	m.containers[id] = h
	m.started[id] = false
	return id, nil
}

func (m *MockClient) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return fmt.Errorf("container start %s: %w", id, &notFound{})
	}
	m.started[id] = true
	return nil
}

func (m *MockClient) StopContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[id] = false
	return nil
}

func (m *MockClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
	delete(m.started, id)
	delete(m.files, id)
	return nil
}

func (m *MockClient) NetworkEnsure(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.networks[name]; ok {
		return id, nil
	}
	id := "net-" + name
	m.networks[name] = id
	return id, nil
}

func (m *MockClient) NetworkExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.networks[name]
	return ok, nil
}

func (m *MockClient) PublishedPorts(ctx context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.published))
	for k, v := range m.published {
		out[k] = v
	}
	return out, nil
}

func (m *MockClient) Close() error { return nil }

var _ Client = (*MockClient)(nil)
