package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/artifact"
	"github.com/stackvault/backupd/internal/detect"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

const stackFinalizeTimeout = 600 * time.Second

// StackMember is one container enumerated as belonging to a stack, along
// with the compose service name it was matched to.
type StackMember struct {
	Handle  model.ContainerHandle
	Service string
}

// enumerateMembers lists the containers belonging to stackName. The
// primary filter is the compose-project label; if nothing matches, it
// falls back to any container whose compose-service label names a
// service declared in def.
func enumerateMembers(ctx context.Context, cl engine.Client, stackName string, def model.StackDefinition) ([]StackMember, error) {
	all, err := cl.ContainerList(ctx, true, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.EngineUnavailable, "list containers", err)
	}

	var members []StackMember
	for _, h := range all {
		if h.ComposeProject == stackName {
			members = append(members, StackMember{Handle: h, Service: h.ComposeService})
		}
	}
	if len(members) > 0 {
		return members, nil
	}

	for _, h := range all {
		if _, ok := def.Services[h.ComposeService]; ok {
			members = append(members, StackMember{Handle: h, Service: h.ComposeService})
		}
	}
	return members, nil
}

// ProgressFunc reports "[i/N]"-style sequential progress during a stack
// backup, used to update the owning Job's status message.
type ProgressFunc func(i, n int, service string)

// BackupStack composes one unified-stack archive from every live member
// of stackName: stack_metadata.json first, then docker-compose.yml and
// .env if available, then a services/<name>/... subtree per container.
func BackupStack(ctx context.Context, cl engine.Client, def model.StackDefinition, stackName string, dir string, progress ProgressFunc) (string, error) {
	members, err := enumerateMembers(ctx, cl, stackName, def)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", apperr.New(apperr.StackEmpty, fmt.Sprintf("no containers found for stack %s", stackName))
	}

	ctx, cancel := context.WithTimeout(ctx, stackFinalizeTimeout)
	defer cancel()

	artifactPath := filepath.Join(dir, fmt.Sprintf("%s_stack_%d.zip", stackName, time.Now().Unix()))
	w, err := artifact.NewWriter(artifactPath)
	if err != nil {
		return "", err
	}

	meta := StackMetadata{StackName: stackName, Timestamp: time.Now()}
	for _, m := range members {
		meta.Containers = append(meta.Containers, StackMemberRecord{ID: m.Handle.ID, Name: m.Handle.Name, Service: m.Service})
	}
	payload, err := marshalStackMetadata(meta)
	if err != nil {
		w.Abort()
		return "", apperr.Wrap(apperr.IOError, "marshal stack_metadata.json", err)
	}
	if err := w.AppendBytes(ctx, "stack_metadata.json", payload, true); err != nil {
		w.Abort()
		return "", err
	}

	if def.ManifestText != "" {
		if err := w.AppendBytes(ctx, "docker-compose.yml", []byte(def.ManifestText), false); err != nil {
			w.Abort()
			return "", err
		}
	}
	if envBytes := renderEnvFile(def); envBytes != nil {
		if err := w.AppendBytes(ctx, ".env", envBytes, false); err != nil {
			w.Abort()
			return "", err
		}
	}

	var merr *multierror.Error
	for i, m := range members {
		if progress != nil {
			progress(i+1, len(members), m.Service)
		}
		svc := def.Services[m.Service]
		if err := appendMemberSubtree(ctx, cl, m, svc, w); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("service %s: %w", m.Service, err))
		}
	}

	if err := w.Finalize(); err != nil {
		return "", err
	}
	if merr.ErrorOrNil() != nil {
		return artifactPath, apperr.Wrap(apperr.CaptureFailed, "one or more services failed to archive", merr)
	}
	return artifactPath, nil
}

// renderEnvFile generates .env content from def.EnvVars, falling back to
// the on-disk EnvFilePath's contents; nil if neither is available.
func renderEnvFile(def model.StackDefinition) []byte {
	if len(def.EnvVars) > 0 {
		var sb strings.Builder
		for k, v := range def.EnvVars {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte('\n')
		}
		return []byte(sb.String())
	}
	if def.EnvFilePath != "" {
		if b, err := os.ReadFile(def.EnvFilePath); err == nil {
			return b
		}
	}
	return nil
}

// appendMemberSubtree writes one container's config.json/dump.sql or
// config.json/volumes/*.tar under services/<name>/, the same content
// ContainerBackup would emit for a standalone artifact.
func appendMemberSubtree(ctx context.Context, cl engine.Client, m StackMember, svc model.ServiceSpec, w *artifact.Writer) error {
	prefix := "services/" + m.Handle.Name + "/"
	appType := detect.Detect(m.Handle.Image, m.Handle.Labels)

	if detect.IsDatabase(appType) {
		stdout, err := execDump(ctx, cl, m.Handle, appType)
		if err != nil {
			return err
		}
		cfg := buildConfig(m.Handle, appType, nil, time.Now())
		cfgBytes, err := marshalConfig(cfg)
		if err != nil {
			return apperr.Wrap(apperr.IOError, "marshal member config.json", err)
		}
		if err := w.AppendBytes(ctx, prefix+"config.json", cfgBytes, false); err != nil {
			return err
		}
		if _, err := w.AppendStream(ctx, prefix+"dump.sql", bytes.NewReader(stdout), finalizeTimeout); err != nil {
			return err
		}
		return nil
	}

	paths := unionPaths(svc.DeclaredVolumeDestinations, nil)
	cfg := buildConfig(m.Handle, appType, paths, time.Now())
	cfgBytes, err := marshalConfig(cfg)
	if err != nil {
		return apperr.Wrap(apperr.IOError, "marshal member config.json", err)
	}
	if err := w.AppendBytes(ctx, prefix+"config.json", cfgBytes, false); err != nil {
		return err
	}
	for _, p := range paths {
		rc, err := cl.GetArchive(ctx, m.Handle.ID, p)
		if err != nil {
			errEntry := prefix + "volumes/" + artifact.ErrorEntryName(p)
			if werr := w.AppendBytes(ctx, errEntry, []byte(err.Error()), false); werr != nil {
				return werr
			}
			continue
		}
		_, err = w.AppendStream(ctx, prefix+"volumes/"+artifact.EscapePath(p), rc, finalizeTimeout)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// execDump runs the same dump command backupDump uses, but returns the
// raw stdout bytes instead of packaging them — StackBackup needs the
// bytes under its own services/<name>/ prefix rather than the standalone
// artifact layout.
func execDump(ctx context.Context, cl engine.Client, h model.ContainerHandle, appType detect.AppType) ([]byte, error) {
	cmd, err := dumpCommand(h, appType)
	if err != nil {
		return nil, err
	}
	res, err := cl.Exec(ctx, h.ID, cmd)
	if err != nil {
		return nil, apperr.Wrap(apperr.CaptureFailed, "exec dump command", err)
	}
	if len(res.Stdout) == 0 {
		return nil, apperr.New(apperr.CaptureEmpty, fmt.Sprintf("dump produced no output, stderr: %s", res.Stderr))
	}
	return res.Stdout, nil
}
