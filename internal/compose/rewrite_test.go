package compose

import (
	"context"
	"strings"
	"testing"

	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

func TestRewriteRemapsConflictingPort(t *testing.T) {
	cl := engine.NewMockClient()
	cl.AddContainer(containerPublishing("5432"))

	manifest := `
services:
  db:
    image: postgres:16
    ports:
      - "5432:5432"
`
	out, remaps, err := Rewrite(context.Background(), manifest, cl)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if len(remaps) != 1 {
		t.Fatalf("remaps = %v, want 1 entry", remaps)
	}
	if remaps[0].From != "5432" || remaps[0].To != "5433" {
		t.Errorf("remap = %+v, want From=5432 To=5433", remaps[0])
	}
	if strings.Contains(out, `"5432:5432"`) {
		t.Errorf("rewritten manifest still has conflicting port: %s", out)
	}
	if !strings.Contains(out, "5433:5432") {
		t.Errorf("rewritten manifest missing new port mapping: %s", out)
	}
}

func TestRewriteLeavesFreePortUntouched(t *testing.T) {
	cl := engine.NewMockClient()

	manifest := `
services:
  db:
    image: postgres:16
    ports:
      - "5432:5432"
`
	out, remaps, err := Rewrite(context.Background(), manifest, cl)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if len(remaps) != 0 {
		t.Fatalf("remaps = %v, want none", remaps)
	}
	if !strings.Contains(out, "5432:5432") {
		t.Errorf("rewritten manifest should keep free port: %s", out)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	cl := engine.NewMockClient()
	cl.AddContainer(containerPublishing("5432"))

	manifest := `
services:
  db:
    image: postgres:16
    container_name: mydb
    ports:
      - "5432:5432"
    healthcheck:
      test: ["CMD", "pg_isready"]
    dns:
      - 8.8.8.8
    depends_on:
      db:
        condition: service_healthy
`
	first, _, err := Rewrite(context.Background(), manifest, cl)
	if err != nil {
		t.Fatalf("first Rewrite: %v", err)
	}
	second, remaps2, err := Rewrite(context.Background(), first, cl)
	if err != nil {
		t.Fatalf("second Rewrite: %v", err)
	}
	if len(remaps2) != 0 {
		t.Errorf("second pass should be a no-op, got remaps: %v", remaps2)
	}
	if first != second {
		t.Errorf("Rewrite is not idempotent:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestRewriteDeletesKeys(t *testing.T) {
	cl := engine.NewMockClient()

	manifest := `
services:
  db:
    image: postgres:16
    container_name: mydb
    healthcheck:
      test: ["CMD", "pg_isready"]
    dns:
      - 8.8.8.8
    dns_search:
      - example.com
`
	out, _, err := Rewrite(context.Background(), manifest, cl)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	for _, deleted := range []string{"container_name", "healthcheck", "dns_search", "dns:"} {
		if strings.Contains(out, deleted) {
			t.Errorf("rewritten manifest should not contain %q: %s", deleted, out)
		}
	}
}

func TestRewriteDependsOnHealthyBecomesStarted(t *testing.T) {
	cl := engine.NewMockClient()

	manifest := `
services:
  app:
    image: app:latest
    depends_on:
      db:
        condition: service_healthy
`
	out, _, err := Rewrite(context.Background(), manifest, cl)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if strings.Contains(out, "service_healthy") {
		t.Errorf("service_healthy should have been rewritten: %s", out)
	}
	if !strings.Contains(out, "service_started") {
		t.Errorf("expected service_started: %s", out)
	}
}

func containerPublishing(hostPort string) model.ContainerHandle {
	return model.ContainerHandle{
		ID:    "c1",
		Name:  "db",
		Image: "postgres:16",
		Ports: map[string]string{"5432/tcp": hostPort},
	}
}
