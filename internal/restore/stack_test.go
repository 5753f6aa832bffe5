package restore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/backup"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

func TestFirstFatalWarningIgnoresNonFatalKinds(t *testing.T) {
	warnings := []error{
		apperr.Wrap(apperr.ReadinessTimeout, "service db", errors.New("still booting")),
		apperr.Wrap(apperr.ReplayFailed, "service db", errors.New("psql exited 1")),
		errors.New("plain warning with no kind at all"),
	}
	if err := firstFatalWarning(warnings); err != nil {
		t.Errorf("firstFatalWarning = %v, want nil for only non-fatal kinds", err)
	}
}

func TestFirstFatalWarningCatchesFatalKind(t *testing.T) {
	warnings := []error{
		apperr.Wrap(apperr.ReadinessTimeout, "service db", errors.New("still booting")),
		apperr.Wrap(apperr.DeployFailed, "service cache", errors.New("create failed")),
	}
	err := firstFatalWarning(warnings)
	if err == nil {
		t.Fatal("expected a fatal error, got nil")
	}
	if apperr.KindOf(err) != apperr.DeployFailed {
		t.Errorf("KindOf = %q, want %q", apperr.KindOf(err), apperr.DeployFailed)
	}
}

func init() {
	readinessPollInterval = time.Millisecond
}

// fakeDeployer records every Deploy call instead of shelling out to docker.
// onCreate, if set, runs on each successful createOnly call and stands in
// for compose recreating the stack's containers.
type fakeDeployer struct {
	calls      []deployCall
	failPhase  string // "createOnly" or "up", empty means never fail
	onCreate   func()
}

type deployCall struct {
	manifestPath, envPath, project string
	createOnly                     bool
}

func (d *fakeDeployer) Deploy(ctx context.Context, manifestPath, envFilePath, project string, createOnly bool) error {
	d.calls = append(d.calls, deployCall{manifestPath, envFilePath, project, createOnly})
	if (d.failPhase == "createOnly" && createOnly) || (d.failPhase == "up" && !createOnly) {
		return assertErr
	}
	if createOnly && d.onCreate != nil {
		d.onCreate()
	}
	return nil
}

var assertErr = &fakeDeployError{}

type fakeDeployError struct{}

func (*fakeDeployError) Error() string { return "fake deploy failure" }

const testManifest = `name: blog
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_USER: app
      POSTGRES_PASSWORD: s3cret
  app:
    image: myapp:latest
`

func TestRestoreStackFullPipelineSucceeds(t *testing.T) {
	cl := engine.NewMockClient()
	dbHandle := model.ContainerHandle{
		ID: "db1", Name: "blog-db-1", Image: "postgres:16",
		Env:            []string{"POSTGRES_USER=app", "POSTGRES_PASSWORD=s3cret"},
		ComposeProject: "blog", ComposeService: "db",
	}
	appHandle := model.ContainerHandle{
		ID: "app1", Name: "blog-app-1", Image: "myapp:latest",
		ComposeProject: "blog", ComposeService: "app",
	}
	cl.AddContainer(dbHandle)
	cl.AddContainer(appHandle)
	cl.SetExecResult("db1", []string{"pg_isready", "-U", "app"}, &engine.ExecResult{Stdout: []byte("accepting connections")})
	cl.SetExecResult("db1", credentialResyncCommand("app", "s3cret"), &engine.ExecResult{})

	dbCfg := backup.ContainerConfig{Name: "blog-db-1", Image: "postgres:16", BackupPaths: nil}
	appCfg := backup.ContainerConfig{Name: "blog-app-1", Image: "myapp:latest", BackupPaths: []string{"/data"}}

	meta := backup.StackMetadata{
		StackName: "blog",
		Containers: []backup.StackMemberRecord{
			{ID: "db1", Name: "blog-db-1", Service: "db"},
			{ID: "app1", Name: "blog-app-1", Service: "app"},
		},
	}

	artifact := buildArtifact(t, []zipEntry{
		{"stack_metadata.json", marshalTestStackMeta(t, meta)},
		{"docker-compose.yml", []byte(testManifest)},
		{".env", []byte("UNUSED=1\n")},
		{"services/blog-db-1/config.json", marshalTestConfig(t, dbCfg)},
		{"services/blog-db-1/dump.sql", []byte("-- dump data that is long enough to pass the sanity threshold check --\n")},
		{"services/blog-app-1/config.json", marshalTestConfig(t, appCfg)},
		{"services/blog-app-1/volumes/data.tar", buildVolumeTar(t, map[string][]byte{"file.txt": []byte("hi")})},
	})

	// Phase 0 removes the existing containers; the infra-only deploy
	// recreates them, as compose would.
	deployer := &fakeDeployer{onCreate: func() {
		cl.AddContainer(dbHandle)
		cl.AddContainer(appHandle)
	}}
	var updates []string
	err := RestoreStack(context.Background(), cl, deployer, artifact, nil, func(status model.JobStatus, message string) {
		updates = append(updates, message)
	})
	if err != nil {
		t.Fatalf("RestoreStack: %v", err)
	}
	if len(deployer.calls) != 2 {
		t.Fatalf("expected 2 deploy calls (infra + app), got %d", len(deployer.calls))
	}
	if !deployer.calls[0].createOnly {
		t.Errorf("first deploy call should be createOnly")
	}
	if deployer.calls[1].createOnly {
		t.Errorf("second deploy call should start services")
	}
	if len(updates) == 0 {
		t.Errorf("expected status updates to be reported")
	}

	stdin, ok := cl.StdinCapture("db1", []string{"psql", "-U", "app", "-d", "postgres"})
	if !ok {
		t.Fatal("expected dump to be piped into psql via ExecWithInput")
	}
	if len(stdin) == 0 {
		t.Error("expected non-empty dump piped to psql")
	}
}

func TestRestoreStackMissingManifestFailsBeforeMutation(t *testing.T) {
	cl := engine.NewMockClient()
	meta := backup.StackMetadata{StackName: "blog"}
	artifact := buildArtifact(t, []zipEntry{
		{"stack_metadata.json", marshalTestStackMeta(t, meta)},
	})

	deployer := &fakeDeployer{}
	err := RestoreStack(context.Background(), cl, deployer, artifact, nil, nil)
	if err == nil {
		t.Fatal("expected ParseError for missing docker-compose.yml")
	}
	if len(deployer.calls) != 0 {
		t.Errorf("deployer should never be called when planning fails, got %d calls", len(deployer.calls))
	}
}

func TestRestoreStackMissingStackMetadataFails(t *testing.T) {
	cl := engine.NewMockClient()
	artifact := buildArtifact(t, []zipEntry{
		{"docker-compose.yml", []byte(testManifest)},
	})

	deployer := &fakeDeployer{}
	err := RestoreStack(context.Background(), cl, deployer, artifact, nil, nil)
	if err == nil {
		t.Fatal("expected NotFound for missing stack_metadata.json")
	}
}

func TestRestoreStackInfraDeployFailureIsFatal(t *testing.T) {
	cl := engine.NewMockClient()
	meta := backup.StackMetadata{StackName: "blog"}
	artifact := buildArtifact(t, []zipEntry{
		{"stack_metadata.json", marshalTestStackMeta(t, meta)},
		{"docker-compose.yml", []byte(testManifest)},
	})

	deployer := &fakeDeployer{failPhase: "createOnly"}
	err := RestoreStack(context.Background(), cl, deployer, artifact, nil, nil)
	if err == nil {
		t.Fatal("expected DeployFailed to propagate as a fatal error")
	}
}

func TestRestoreStackReadinessTimeoutIsNonFatal(t *testing.T) {
	cl := engine.NewMockClient()
	dbHandle := model.ContainerHandle{
		ID: "db1", Name: "blog-db-1", Image: "postgres:16",
		Env:            []string{"POSTGRES_USER=app", "POSTGRES_PASSWORD=s3cret"},
		ComposeProject: "blog", ComposeService: "db",
	}
	cl.AddContainer(dbHandle)
	// No SetExecResult for pg_isready -> readiness never observes "accepting".

	meta := backup.StackMetadata{
		StackName:  "blog",
		Containers: []backup.StackMemberRecord{{ID: "db1", Name: "blog-db-1", Service: "db"}},
	}
	manifest := "name: blog\nservices:\n  db:\n    image: postgres:16\n"
	artifact := buildArtifact(t, []zipEntry{
		{"stack_metadata.json", marshalTestStackMeta(t, meta)},
		{"docker-compose.yml", []byte(manifest)},
	})

	deployer := &fakeDeployer{onCreate: func() { cl.AddContainer(dbHandle) }}
	err := RestoreStack(context.Background(), cl, deployer, artifact, nil, nil)
	if err != nil {
		t.Fatalf("readiness timeout must not fail the job: %v", err)
	}
	if len(deployer.calls) != 2 {
		t.Errorf("expected the pipeline to continue through both deploy phases despite the timeout, got %d calls", len(deployer.calls))
	}
}

func marshalTestStackMeta(t *testing.T, meta backup.StackMetadata) []byte {
	t.Helper()
	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal stack metadata: %v", err)
	}
	return b
}
