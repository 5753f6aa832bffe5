package compose

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/stackvault/backupd/internal/apperr"
)

// Deployer deploys a rewritten compose manifest with an optional env file
// into a named project. In createOnly mode, containers are created but
// not started (used for infrastructure-only deploy during stack restore).
type Deployer interface {
	Deploy(ctx context.Context, manifestPath, envFilePath, project string, createOnly bool) error
}

// Exec implements Deployer by shelling out to the docker CLI, mirroring
// the teacher's compose.Exec wrapper around "docker compose".
type Exec struct {
	Stdout io.Writer
	Stderr io.Writer
}

var _ Deployer = (*Exec)(nil)

func (e *Exec) Deploy(ctx context.Context, manifestPath, envFilePath, project string, createOnly bool) error {
	args := []string{"compose", "-f", manifestPath, "-p", project}
	if envFilePath != "" {
		args = append(args, "--env-file", envFilePath)
	}
	args = append(args, "up", "-d")
	if createOnly {
		args = append(args, "--no-start")
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	slog.Debug("compose deploy", "project", project, "args", args)

	if err := cmd.Run(); err != nil {
		return apperr.Wrap(apperr.DeployFailed, fmt.Sprintf("docker %s", strings.Join(args, " ")), err)
	}
	return nil
}
