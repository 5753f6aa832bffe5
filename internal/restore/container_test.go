package restore

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackvault/backupd/internal/backup"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

// zipEntry is one file to place in a test artifact.
type zipEntry struct {
	name    string
	content []byte
}

func buildArtifact(t *testing.T, entries []zipEntry) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create entry %s: %v", e.name, err)
		}
		if _, err := w.Write(e.content); err != nil {
			t.Fatalf("write entry %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return path
}

func buildVolumeTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func marshalTestConfig(t *testing.T, cfg backup.ContainerConfig) []byte {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return b
}

func TestRestoreContainerGenericVolumeRestore(t *testing.T) {
	cl := engine.NewMockClient()
	cl.SetImagePresent("nginx:1.25", true)

	cfg := backup.ContainerConfig{
		Name:        "nginx-1",
		Image:       "nginx:1.25",
		BackupPaths: []string{"/usr/share/nginx/html"},
		Timestamp:   time.Now(),
	}
	artifact := buildArtifact(t, []zipEntry{
		{"config.json", marshalTestConfig(t, cfg)},
		{"usr_share_nginx_html.tar", buildVolumeTar(t, map[string][]byte{"index.html": []byte("<html></html>")})},
	})

	res, err := RestoreContainer(context.Background(), cl, artifact, "", nil)
	if err != nil {
		t.Fatalf("RestoreContainer: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("state = %q, want done", res.State)
	}
	if got, want := res.ContainerName, ""; got == want {
		t.Errorf("expected a non-empty restored name")
	}

	h, err := cl.ContainerInspect(context.Background(), res.ContainerID)
	if err != nil {
		t.Fatalf("inspect restored container: %v", err)
	}
	if h.Image != "nginx:1.25" {
		t.Errorf("image = %q, want nginx:1.25", h.Image)
	}
}

func TestRestoreContainerPortRebindOnConflict(t *testing.T) {
	cl := engine.NewMockClient()
	cl.SetImagePresent("nginx:1.25", true)
	// Occupy port 8080 with an existing container so the restore must bump.
	cl.AddContainer(model.ContainerHandle{ID: "existing", Name: "existing", Ports: map[string]string{"80/tcp": "8080"}})

	cfg := backup.ContainerConfig{
		Name:  "nginx-2",
		Image: "nginx:1.25",
		HostConfig: backup.HostConfig{
			PortBindings: []model.PortBinding{{HostPort: "8080", ContainerPort: "80", Protocol: "tcp"}},
		},
	}
	artifact := buildArtifact(t, []zipEntry{{"config.json", marshalTestConfig(t, cfg)}})

	res, err := RestoreContainer(context.Background(), cl, artifact, "", nil)
	if err != nil {
		t.Fatalf("RestoreContainer: %v", err)
	}
	if len(res.PortRemaps) != 1 {
		t.Fatalf("expected one port remap, got %v", res.PortRemaps)
	}
	if res.PortRemaps[0].From != "8080" || res.PortRemaps[0].To == "8080" {
		t.Errorf("unexpected remap: %+v", res.PortRemaps[0])
	}
}

func TestRestoreContainerBindMountRebind(t *testing.T) {
	cl := engine.NewMockClient()
	cl.SetImagePresent("myapp:latest", true)

	hostDir := t.TempDir()
	existingPath := filepath.Join(hostDir, "data")
	if err := os.MkdirAll(existingPath, 0755); err != nil {
		t.Fatalf("seed existing host path: %v", err)
	}

	cfg := backup.ContainerConfig{
		Name:  "app-1",
		Image: "myapp:latest",
		HostConfig: backup.HostConfig{
			Binds: []model.Bind{{HostPath: existingPath, ContainerPath: "/data"}},
		},
	}
	artifact := buildArtifact(t, []zipEntry{{"config.json", marshalTestConfig(t, cfg)}})

	res, err := RestoreContainer(context.Background(), cl, artifact, "", nil)
	if err != nil {
		t.Fatalf("RestoreContainer: %v", err)
	}
	if len(res.BindRemaps) != 1 {
		t.Fatalf("expected one bind remap, got %v", res.BindRemaps)
	}
	if res.BindRemaps[0].From != existingPath {
		t.Errorf("remap From = %q, want %q", res.BindRemaps[0].From, existingPath)
	}
	if res.BindRemaps[0].To == existingPath {
		t.Errorf("remap To should differ from existing path")
	}
}

func TestRestoreContainerRejectsStackArtifact(t *testing.T) {
	cl := engine.NewMockClient()
	artifact := buildArtifact(t, []zipEntry{{"stack_metadata.json", []byte("{}")}})

	_, err := RestoreContainer(context.Background(), cl, artifact, "", nil)
	if err == nil {
		t.Fatal("expected error routing a stack artifact to RestoreContainer")
	}
}

func TestRestoreContainerMissingConfigNotFound(t *testing.T) {
	cl := engine.NewMockClient()
	artifact := buildArtifact(t, []zipEntry{{"README.txt", []byte("nothing useful")}})

	_, err := RestoreContainer(context.Background(), cl, artifact, "", nil)
	if err == nil {
		t.Fatal("expected NotFound error for an artifact with no config.json")
	}
}

func TestRestoreContainerLegacyNestedArchiveRestoresAllChildren(t *testing.T) {
	cl := engine.NewMockClient()
	cl.SetImagePresent("postgres:16", true)
	cl.SetImagePresent("myapp:latest", true)

	dbCfg := backup.ContainerConfig{Name: "stack-db", Image: "postgres:16"}
	appCfg := backup.ContainerConfig{Name: "stack-app", Image: "myapp:latest"}

	dbChild := buildArtifact(t, []zipEntry{{"config.json", marshalTestConfig(t, dbCfg)}})
	appChild := buildArtifact(t, []zipEntry{{"config.json", marshalTestConfig(t, appCfg)}})

	dbBytes, err := os.ReadFile(dbChild)
	if err != nil {
		t.Fatalf("read db child: %v", err)
	}
	appBytes, err := os.ReadFile(appChild)
	if err != nil {
		t.Fatalf("read app child: %v", err)
	}

	nested := buildArtifact(t, []zipEntry{
		{"myapp.zip", appBytes},
		{"postgres.zip", dbBytes},
	})

	res, err := RestoreContainer(context.Background(), cl, nested, "", nil)
	if err != nil {
		t.Fatalf("RestoreContainer legacy nested: %v", err)
	}
	if res == nil {
		t.Fatal("expected a non-nil result from the last restored child")
	}

	all, err := cl.ContainerList(context.Background(), true, "")
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 restored containers, got %d", len(all))
	}
}

func TestSortChildrenDatabaseFirst(t *testing.T) {
	names := []string{"myapp.zip", "postgres-main.zip", "web.zip"}
	sortChildrenDatabaseFirst(names)
	if names[0] != "postgres-main.zip" {
		t.Errorf("expected database child first, got %v", names)
	}
}

func TestResolveNetworkOverrideWins(t *testing.T) {
	cfg := backup.ContainerConfig{
		Name:           "blog-app-1",
		ComposeService: "app",
		NetworkSettings: backup.NetworkSettings{
			Networks: map[string]model.NetworkAttachment{"proxy": {}},
		},
	}
	name, aliases := resolveNetwork(cfg, "override-net")
	if name != "override-net" {
		t.Errorf("name = %q, want override-net", name)
	}
	if len(aliases) != 2 || aliases[0] != "blog-app-1" || aliases[1] != "app" {
		t.Errorf("aliases = %v, want [blog-app-1 app]", aliases)
	}
}

func TestResolveNetworkPicksDeterministicFirst(t *testing.T) {
	cfg := backup.ContainerConfig{
		NetworkSettings: backup.NetworkSettings{
			Networks: map[string]model.NetworkAttachment{
				"zeta":  {},
				"alpha": {},
				"mid":   {},
			},
		},
	}
	for i := 0; i < 20; i++ {
		name, aliases := resolveNetwork(cfg, "")
		if name != "alpha" {
			t.Fatalf("run %d: name = %q, want alpha (lexicographically first, every run)", i, name)
		}
		if aliases != nil {
			t.Errorf("expected no aliases without an override, got %v", aliases)
		}
	}
}

func TestResolveNetworkFallsBackToBridge(t *testing.T) {
	cfg := backup.ContainerConfig{}
	name, _ := resolveNetwork(cfg, "")
	if name != "bridge" {
		t.Errorf("name = %q, want bridge", name)
	}
}
