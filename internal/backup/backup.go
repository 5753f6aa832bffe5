package backup

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/artifact"
	"github.com/stackvault/backupd/internal/detect"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

const (
	dumpTimeout     = 300 * time.Second
	finalizeTimeout = 300 * time.Second
)

// legacyPathHints backs the single-container fallback when no stack
// definition supplies declared volume destinations and the caller
// supplies no custom paths. It is consulted only in that fallback case —
// the unified stack backup path never falls back implicitly.
var legacyPathHints = map[detect.AppType][]string{
	detect.AppWordPress:   {"/var/www/html"},
	detect.AppGitea:       {"/data"},
	detect.AppGrafana:     {"/var/lib/grafana"},
	detect.AppPrometheus:  {"/prometheus"},
	detect.AppElastic:     {"/usr/share/elasticsearch/data"},
	detect.AppMinio:       {"/data"},
	detect.AppVaultwarden: {"/data"},
	detect.AppNginx:       {"/usr/share/nginx/html"},
}

// BackupContainer captures one container into a standalone artifact file
// in dir, selecting the dump branch for postgres/mysql images and the
// volume-tar branch otherwise. stackVolumes supplies the declared volume
// destinations when this container belongs to an imported stack;
// customPaths is user-supplied and is always unioned in. allowLegacyFallback
// enables the app-specific hint table (and WorkingDir/"/app") when the
// union is empty. The unified stack path (BackupStack) does not go through
// this function and has no implicit fallback.
func BackupContainer(ctx context.Context, cl engine.Client, h model.ContainerHandle, stackVolumes, customPaths []string, dir string, allowLegacyFallback bool) (string, error) {
	appType := detect.Detect(h.Image, h.Labels)

	artifactPath := filepath.Join(dir, fmt.Sprintf("%s_%d.zip", sanitizeName(h.Name), time.Now().Unix()))
	w, err := artifact.NewWriter(artifactPath)
	if err != nil {
		return "", err
	}

	if detect.IsDatabase(appType) {
		if err := backupDump(ctx, cl, h, appType, w); err != nil {
			w.Abort()
			return "", err
		}
	} else {
		paths := unionPaths(stackVolumes, customPaths)
		if len(paths) == 0 && allowLegacyFallback {
			paths = legacyFallbackPaths(h, appType)
		}
		if err := backupVolumes(ctx, cl, h, appType, paths, w); err != nil {
			w.Abort()
			return "", err
		}
	}

	if err := w.Finalize(); err != nil {
		return "", err
	}
	return artifactPath, nil
}

// legacyFallbackPaths consults the app-specific hint table, then falls
// back to WorkingDir, then finally "/app" — the legacy single-container
// behavior the unified stack path deliberately does not replicate.
func legacyFallbackPaths(h model.ContainerHandle, appType detect.AppType) []string {
	if hints, ok := legacyPathHints[appType]; ok {
		return hints
	}
	if h.WorkingDir != "" {
		return []string{h.WorkingDir}
	}
	return []string{"/app"}
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// unionPaths merges stack-declared and custom paths, de-duplicated,
// preserving first-seen order.
func unionPaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, p := range [][]string{a, b} {
		for _, v := range p {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// backupDump runs the postgres or mysql dump command inside the
// container, enforces the zero-byte CaptureEmpty rule, then packages
// config.json followed by dump.sql.
func backupDump(ctx context.Context, cl engine.Client, h model.ContainerHandle, appType detect.AppType, w *artifact.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()

	cmd, err := dumpCommand(h, appType)
	if err != nil {
		return err
	}

	res, err := cl.Exec(ctx, h.ID, cmd)
	if err != nil {
		return apperr.Wrap(apperr.CaptureFailed, "exec dump command", err)
	}
	if len(res.Stdout) == 0 {
		return apperr.New(apperr.CaptureEmpty, fmt.Sprintf("dump produced no output, stderr: %s", res.Stderr))
	}

	cfg := buildConfig(h, appType, nil, time.Now())
	payload, err := marshalConfig(cfg)
	if err != nil {
		return apperr.Wrap(apperr.IOError, "marshal config.json", err)
	}
	if err := w.AppendBytes(ctx, "config.json", payload, true); err != nil {
		return err
	}
	if _, err := w.AppendStream(ctx, "dump.sql", bytes.NewReader(res.Stdout), finalizeTimeout); err != nil {
		return err
	}
	return nil
}

// shellSingleQuote wraps s in shell single quotes for passage as one
// exec argument, escaping embedded single quotes as '\''. Credentials
// come straight from container env vars, which may contain arbitrary
// shell metacharacters, so they must never be interpolated unquoted
// into a `sh -c` string.
func shellSingleQuote(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `'\''`) + `'`
}

// dumpCommand builds the exec command for the postgres or mysql dump
// branch, resolving credentials from the container's environment exactly
// per the component design.
func dumpCommand(h model.ContainerHandle, appType detect.AppType) ([]string, error) {
	switch appType {
	case detect.AppPostgres:
		user := envOr(h.Env, "POSTGRES_USER", "postgres")
		pass, hasPass := lookupEnv(h.Env, "POSTGRES_PASSWORD")
		if !hasPass {
			pass, hasPass = lookupEnv(h.Env, "POSTGRES_PASS")
		}
		dump := fmt.Sprintf("pg_dumpall -U %s -w --clean --if-exists", shellSingleQuote(user))
		if hasPass {
			return []string{"sh", "-c", fmt.Sprintf("PGPASSWORD=%s %s", shellSingleQuote(pass), dump)}, nil
		}
		return []string{"sh", "-c", dump}, nil
	case detect.AppMySQL:
		pass, hasPass := lookupEnv(h.Env, "MYSQL_ROOT_PASSWORD")
		if hasPass {
			return []string{"sh", "-c", fmt.Sprintf("mysqldump -u root -p%s --all-databases", shellSingleQuote(pass))}, nil
		}
		return []string{"sh", "-c", "mysqldump -u root --all-databases --skip-lock-tables"}, nil
	default:
		return nil, apperr.New(apperr.CaptureFailed, fmt.Sprintf("no dump strategy for app type %s", appType))
	}
}

// backupVolumes tars each path in paths from the container's filesystem
// and appends it under its escaped archive name; a per-path failure is
// downgraded to an ERROR_<escaped>.txt entry rather than failing the job.
func backupVolumes(ctx context.Context, cl engine.Client, h model.ContainerHandle, appType detect.AppType, paths []string, w *artifact.Writer) error {
	cfg := buildConfig(h, appType, paths, time.Now())
	payload, err := marshalConfig(cfg)
	if err != nil {
		return apperr.Wrap(apperr.IOError, "marshal config.json", err)
	}
	if err := w.AppendBytes(ctx, "config.json", payload, true); err != nil {
		return err
	}

	for _, p := range paths {
		if err := appendVolumePath(ctx, cl, h.ID, p, w); err != nil {
			msg := []byte(err.Error())
			if werr := w.AppendBytes(ctx, artifact.ErrorEntryName(p), msg, false); werr != nil {
				return werr
			}
		}
	}
	return nil
}

func appendVolumePath(ctx context.Context, cl engine.Client, containerID, path string, w *artifact.Writer) error {
	rc, err := cl.GetArchive(ctx, containerID, path)
	if err != nil {
		return apperr.Wrap(apperr.CaptureFailed, fmt.Sprintf("capture %s", path), err)
	}
	defer rc.Close()

	if _, err := w.AppendStream(ctx, artifact.EscapePath(path), rc, finalizeTimeout); err != nil {
		return err
	}
	return nil
}

