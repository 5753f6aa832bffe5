package backup

import (
	"archive/zip"
	"context"
	"os"
	"testing"

	"github.com/stackvault/backupd/internal/detect"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

func openZip(t *testing.T, path string) *zip.Reader {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	return zr
}

func TestBackupContainerGenericVolumeBranch(t *testing.T) {
	cl := engine.NewMockClient()
	h := model.ContainerHandle{
		ID:    "c1",
		Name:  "nginx-1",
		Image: "nginx:1.25",
		Ports: map[string]string{"80/tcp": "8080"},
	}
	cl.AddContainer(h)
	cl.SetFile("c1", "/usr/share/nginx/html/index.html", []byte("<html></html>"))

	dir := t.TempDir()
	path, err := BackupContainer(context.Background(), cl, h, nil, []string{"/usr/share/nginx/html"}, dir, false)
	if err != nil {
		t.Fatalf("BackupContainer: %v", err)
	}

	zr := openZip(t, path)
	if zr.File[0].Name != "config.json" {
		t.Fatalf("first entry = %q, want config.json", zr.File[0].Name)
	}
	found := false
	for _, f := range zr.File {
		if f.Name == "usr_share_nginx_html.tar" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected usr_share_nginx_html.tar entry, got %v", entryNames(zr))
	}
}

func TestBackupContainerPostgresDumpBranch(t *testing.T) {
	cl := engine.NewMockClient()
	h := model.ContainerHandle{
		ID:    "c1",
		Name:  "pg-1",
		Image: "postgres:16",
		Env:   []string{"POSTGRES_USER=app", "POSTGRES_PASSWORD=s3cret"},
	}
	cl.AddContainer(h)
	cmd, err := dumpCommand(h, detect.AppPostgres)
	if err != nil {
		t.Fatalf("dumpCommand: %v", err)
	}
	cl.SetExecResult("c1", cmd,
		&engine.ExecResult{Stdout: []byte("CREATE ROLE \"app\";\nINSERT INTO t VALUES (1,'x');\n")})

	dir := t.TempDir()
	path, err := BackupContainer(context.Background(), cl, h, nil, nil, dir, false)
	if err != nil {
		t.Fatalf("BackupContainer: %v", err)
	}

	zr := openZip(t, path)
	names := entryNames(zr)
	if len(names) != 2 || names[0] != "config.json" || names[1] != "dump.sql" {
		t.Fatalf("entries = %v, want [config.json dump.sql]", names)
	}
}

func TestBackupContainerZeroByteDumpFails(t *testing.T) {
	cl := engine.NewMockClient()
	h := model.ContainerHandle{ID: "c1", Name: "pg-1", Image: "postgres:16"}
	cl.AddContainer(h)
	// No exec result scripted -> MockClient.Exec returns an empty ExecResult.

	dir := t.TempDir()
	_, err := BackupContainer(context.Background(), cl, h, nil, nil, dir, false)
	if err == nil {
		t.Fatal("expected CaptureEmpty error")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected partial artifact removed, found %v", entries)
	}
}

func TestBackupContainerPerPathFailureDowngradesToErrorEntry(t *testing.T) {
	cl := engine.NewMockClient()
	h := model.ContainerHandle{ID: "c1", Name: "app-1", Image: "myapp:latest"}
	cl.AddContainer(h)
	// /missing is never seeded with SetFile, so GetArchive returns not-found.

	dir := t.TempDir()
	path, err := BackupContainer(context.Background(), cl, h, nil, []string{"/missing"}, dir, false)
	if err != nil {
		t.Fatalf("BackupContainer should still succeed: %v", err)
	}

	zr := openZip(t, path)
	found := false
	for _, f := range zr.File {
		if f.Name == "ERROR_missing.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ERROR_missing.txt entry, got %v", entryNames(zr))
	}
}

func TestBackupContainerNoVolumesDefinedSucceeds(t *testing.T) {
	cl := engine.NewMockClient()
	h := model.ContainerHandle{ID: "c1", Name: "app-1", Image: "myapp:latest"}
	cl.AddContainer(h)

	dir := t.TempDir()
	path, err := BackupContainer(context.Background(), cl, h, nil, nil, dir, false)
	if err != nil {
		t.Fatalf("expected success with no declared volumes: %v", err)
	}
	zr := openZip(t, path)
	if len(zr.File) != 1 || zr.File[0].Name != "config.json" {
		t.Errorf("expected only config.json, got %v", entryNames(zr))
	}
}

func TestBackupContainerLegacyFallbackToWorkingDir(t *testing.T) {
	cl := engine.NewMockClient()
	h := model.ContainerHandle{ID: "c1", Name: "app-1", Image: "myapp:latest", WorkingDir: "/srv/app"}
	cl.AddContainer(h)
	cl.SetFile("c1", "/srv/app/data.txt", []byte("hi"))

	dir := t.TempDir()
	path, err := BackupContainer(context.Background(), cl, h, nil, nil, dir, true)
	if err != nil {
		t.Fatalf("BackupContainer: %v", err)
	}
	zr := openZip(t, path)
	found := false
	for _, f := range zr.File {
		if f.Name == "srv_app.tar" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected srv_app.tar via WorkingDir fallback, got %v", entryNames(zr))
	}
}

func entryNames(zr *zip.Reader) []string {
	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		names[i] = f.Name
	}
	return names
}
