package restore

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/artifact"
	"github.com/stackvault/backupd/internal/backup"
	"github.com/stackvault/backupd/internal/compose"
	"github.com/stackvault/backupd/internal/detect"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

// StackStore is the subset of internal/store.Store a stack restore needs:
// re-saving the definition it just redeployed from.
type StackStore interface {
	SaveStack(def model.StackDefinition) error
}

// readinessPollInterval is a var, not a const, so tests can shorten it.
var readinessPollInterval = time.Second

const (
	readinessMaxAttempts = 30
	minSaneDumpBytes     = 100
)

// RestoreStack runs the eight-phase unified-stack restore: plan, rewrite,
// infra-only deploy, offline volume injection, database cohort boot,
// SQL replay, Postgres credential resync, application boot. Phases are
// barriers — phase N+1 never starts until phase N has finished for every
// service. Failures while planning, rewriting, deploying, or listing the
// stack's containers end the restore with an error (RewriteFailed,
// DeployFailed, ParseError — including a missing manifest — NotFound, and
// engine or I/O errors). Per-service failures in phases 3-6 are recorded
// via update/slog and the restore continues, unless one carries a kind
// FatalForStackRestore treats as fatal.
func RestoreStack(ctx context.Context, cl engine.Client, deployer compose.Deployer, artifactPath string, store StackStore, update UpdateFunc) error {
	if update == nil {
		update = noopUpdate
	}

	// Phase 0 — Plan.
	update(model.StatusProcessing, "planning stack restore")
	plan, err := planStackRestore(ctx, cl, artifactPath)
	if err != nil {
		return err
	}

	// Phase 1 — Rewrite.
	update(model.StatusProcessing, "rewriting manifest")
	rewritten, _, err := compose.Rewrite(ctx, plan.manifestText, cl)
	if err != nil {
		return err
	}
	manifest, err := compose.Parse(rewritten)
	if err != nil {
		return apperr.Wrap(apperr.ParseError, "parse rewritten manifest", err)
	}

	manifestPath, envPath, cleanup, err := writeDeployFiles(rewritten, plan.envText)
	if err != nil {
		return err
	}
	defer cleanup()

	// Phase 2 — Infrastructure-only deploy.
	update(model.StatusProcessing, "deploying infrastructure")
	if err := deployer.Deploy(ctx, manifestPath, envPath, plan.stackName, true); err != nil {
		return apperr.Wrap(apperr.DeployFailed, "infra-only deploy", err)
	}

	containers, err := serviceContainers(ctx, cl, plan.stackName)
	if err != nil {
		return apperr.Wrap(apperr.EngineUnavailable, "list restored containers", err)
	}

	var warnings *multierror.Error

	// Phase 3 — Offline volume injection.
	update(model.StatusProcessing, "injecting volumes")
	injectVolumes(ctx, cl, plan.entries, plan.memberName, containers, &warnings)

	// Phase 4 — Database cohort boot.
	update(model.StatusProcessing, "starting database cohort")
	dbServices, appServices := partitionCohort(manifest)
	bootDatabases(ctx, cl, dbServices, containers, plan.envMap, &warnings)

	// Phase 5 — SQL replay.
	update(model.StatusProcessing, "replaying SQL dumps")
	replayDumps(ctx, cl, dbServices, containers, plan.entries, plan.memberName, plan.envMap, &warnings)

	// Phase 6 — Postgres credential resync.
	update(model.StatusProcessing, "resyncing database credentials")
	resyncCredentials(ctx, cl, dbServices, containers, plan.envMap, &warnings)

	// Phase 7 — Application boot.
	update(model.StatusProcessing, "starting application services")
	_ = appServices
	if err := deployer.Deploy(ctx, manifestPath, envPath, plan.stackName, false); err != nil {
		return apperr.Wrap(apperr.DeployFailed, "application boot", err)
	}

	if store != nil {
		def := model.StackDefinition{
			StackName:    plan.stackName,
			ManifestText: rewritten,
			EnvVars:      plan.envMap,
			Services:     manifest.Services,
			UpdatedAt:    time.Now(),
		}
		if err := store.SaveStack(def); err != nil {
			slog.Warn("failed to persist restored stack definition", "stack", plan.stackName, "err", err)
		}
	}

	if warnings.ErrorOrNil() != nil {
		slog.Warn("stack restore completed with non-fatal failures", "stack", plan.stackName, "warnings", warnings.Error())
		update(model.StatusProcessing, fmt.Sprintf("completed with warnings: %v", warnings.ErrorOrNil()))

		if fatal := firstFatalWarning(warnings.Errors); fatal != nil {
			return fatal
		}
	}

	return nil
}

// firstFatalWarning scans per-service warnings collected during phases
// 3-6 for one carrying a kind the propagation policy treats as fatal for
// a stack restore. Those kinds are normally returned directly from an
// earlier phase and never reach this point, but a future warning path
// could legitimately wrap one — this guards against silently reporting
// the job a success in that case.
func firstFatalWarning(warnings []error) error {
	for _, werr := range warnings {
		if kind := apperr.KindOf(werr); apperr.FatalForStackRestore(kind) {
			return apperr.Wrap(kind, "fatal failure during stack restore", werr)
		}
	}
	return nil
}

type restorePlan struct {
	stackName    string
	manifestText string
	envText      string
	envMap       map[string]string
	entries      map[string]*zip.File
	memberName   map[string]string // serviceName -> archived container name (services/<name>/ prefix)
}

func planStackRestore(ctx context.Context, cl engine.Client, artifactPath string) (*restorePlan, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, "open artifact", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, "stat artifact", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, apperr.Wrap(apperr.ParseError, "open artifact as zip", err)
	}
	entries := openArtifactEntries(zr)

	metaFile, ok := entries["stack_metadata.json"]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "artifact has no root stack_metadata.json")
	}
	meta, err := readStackMetadata(metaFile)
	if err != nil {
		return nil, err
	}

	manifestFile, ok := entries["docker-compose.yml"]
	if !ok {
		return nil, apperr.New(apperr.ParseError, "unified stack archive has no docker-compose.yml")
	}
	manifestText, err := readZipEntry(manifestFile)
	if err != nil {
		return nil, err
	}

	var envText string
	if envFile, ok := entries[".env"]; ok {
		envText, err = readZipEntry(envFile)
		if err != nil {
			return nil, err
		}
	}

	if err := removeExistingStack(ctx, cl, meta.StackName); err != nil {
		return nil, err
	}

	memberName := make(map[string]string, len(meta.Containers))
	for _, c := range meta.Containers {
		memberName[c.Service] = c.Name
	}

	return &restorePlan{
		stackName:    meta.StackName,
		manifestText: manifestText,
		envText:      envText,
		envMap:       parseEnvLines(envText),
		entries:      entries,
		memberName:   memberName,
	}, nil
}

// removeExistingStack stops and removes any containers already running for
// stackName before redeploying; host volumes are left untouched, only the
// container objects are removed.
func removeExistingStack(ctx context.Context, cl engine.Client, stackName string) error {
	existing, err := cl.ContainerList(ctx, true, stackName)
	if err != nil {
		return apperr.Wrap(apperr.EngineUnavailable, "list existing stack containers", err)
	}
	for _, h := range existing {
		_ = cl.StopContainer(ctx, h.ID)
		if err := cl.RemoveContainer(ctx, h.ID, true); err != nil {
			return apperr.Wrap(apperr.EngineUnavailable, fmt.Sprintf("remove existing container %s", h.Name), err)
		}
	}
	return nil
}

func readStackMetadata(f *zip.File) (backup.StackMetadata, error) {
	text, err := readZipEntry(f)
	if err != nil {
		return backup.StackMetadata{}, err
	}
	var meta backup.StackMetadata
	if err := json.Unmarshal([]byte(text), &meta); err != nil {
		return backup.StackMetadata{}, apperr.Wrap(apperr.ParseError, "parse stack_metadata.json", err)
	}
	return meta, nil
}

func readZipEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", apperr.Wrap(apperr.IOError, "open "+f.Name, err)
	}
	defer rc.Close()
	var sb strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return sb.String(), nil
}

func parseEnvLines(text string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[k] = v
		}
	}
	return out
}

func writeDeployFiles(manifestText, envText string) (manifestPath, envPath string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "backupd-stack-restore-*")
	if err != nil {
		return "", "", nil, apperr.Wrap(apperr.IOError, "create temp deploy dir", err)
	}
	cleanup = func() { os.RemoveAll(dir) }

	manifestPath = path.Join(dir, "docker-compose.yml")
	if err := os.WriteFile(manifestPath, []byte(manifestText), 0644); err != nil {
		cleanup()
		return "", "", nil, apperr.Wrap(apperr.IOError, "write temp manifest", err)
	}

	if envText != "" {
		envPath = path.Join(dir, ".env")
		if err := os.WriteFile(envPath, []byte(envText), 0644); err != nil {
			cleanup()
			return "", "", nil, apperr.Wrap(apperr.IOError, "write temp env file", err)
		}
	}
	return manifestPath, envPath, cleanup, nil
}

// serviceContainers maps compose service name to its live container
// handle for every container belonging to stackName.
func serviceContainers(ctx context.Context, cl engine.Client, stackName string) (map[string]model.ContainerHandle, error) {
	all, err := cl.ContainerList(ctx, true, stackName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.ContainerHandle, len(all))
	for _, h := range all {
		out[h.ComposeService] = h
	}
	return out, nil
}

// injectVolumes streams every services/<name>/volumes/*.tar entry into its
// matching container's filesystem while the container is still stopped.
// Destination directories are resolved by matching each tar's escaped
// name against the member's own config.json BackupPaths, the verbatim
// record of what was captured — never by decoding the escaped name.
// Per-path failures are recorded as warnings, never fatal.
func injectVolumes(ctx context.Context, cl engine.Client, entries map[string]*zip.File, memberName map[string]string, containers map[string]model.ContainerHandle, warnings **multierror.Error) {
	for service, h := range containers {
		name, ok := memberName[service]
		if !ok {
			continue
		}
		prefix := "services/" + name + "/volumes/"

		memberCfg, ok := entries["services/"+name+"/config.json"]
		var byEntryName map[string]string
		if ok {
			cfg, err := readMemberConfig(memberCfg)
			if err != nil {
				*warnings = multierror.Append(*warnings, fmt.Errorf("service %s: read member config: %w", service, err))
				continue
			}
			byEntryName = make(map[string]string, len(cfg.BackupPaths))
			for _, p := range cfg.BackupPaths {
				byEntryName[artifact.EscapePath(p)] = p
			}
		}

		for entryName, f := range entries {
			if !strings.HasPrefix(entryName, prefix) || path.Ext(entryName) != ".tar" {
				continue
			}
			base := strings.TrimPrefix(entryName, prefix)
			original, ok := byEntryName[base]
			if !ok {
				continue
			}

			rc, err := f.Open()
			if err != nil {
				*warnings = multierror.Append(*warnings, fmt.Errorf("service %s: open %s: %w", service, entryName, err))
				continue
			}
			err = cl.PutArchive(ctx, h.ID, path.Dir(original), rc)
			rc.Close()
			if err != nil {
				*warnings = multierror.Append(*warnings, fmt.Errorf("service %s: inject %s: %w", service, entryName, err))
			}
		}
	}
}

func readMemberConfig(f *zip.File) (backup.ContainerConfig, error) {
	text, err := readZipEntry(f)
	if err != nil {
		return backup.ContainerConfig{}, err
	}
	var cfg backup.ContainerConfig
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		return backup.ContainerConfig{}, apperr.Wrap(apperr.ParseError, "parse member config.json", err)
	}
	return cfg, nil
}

// isDatabaseCohort reports whether t belongs to the database boot cohort
// during a stack restore — broader than detect.IsDatabase's backup-branch
// signal, since redis also needs to boot and be probed before applications.
func isDatabaseCohort(t detect.AppType) bool {
	switch t {
	case detect.AppPostgres, detect.AppMySQL, detect.AppRedis, detect.AppMongo:
		return true
	default:
		return false
	}
}

func partitionCohort(manifest *compose.Manifest) (db, app []string) {
	for name, svc := range manifest.Services {
		if isDatabaseCohort(detect.Detect(svc.Image, nil)) {
			db = append(db, name)
		} else {
			app = append(app, name)
		}
	}
	return db, app
}

// bootDatabases starts every database-cohort container and polls it for
// readiness before returning. Unready databases proceed with a warning,
// per the non-fatal ReadinessTimeout rule.
func bootDatabases(ctx context.Context, cl engine.Client, dbServices []string, containers map[string]model.ContainerHandle, envMap map[string]string, warnings **multierror.Error) {
	for _, service := range dbServices {
		h, ok := containers[service]
		if !ok {
			continue
		}
		if err := cl.StartContainer(ctx, h.ID); err != nil {
			*warnings = multierror.Append(*warnings, fmt.Errorf("service %s: start: %w", service, err))
			continue
		}
		if err := waitForReadiness(ctx, cl, h, envMap); err != nil {
			*warnings = multierror.Append(*warnings, apperr.Wrap(apperr.ReadinessTimeout, fmt.Sprintf("service %s", service), err))
		}
	}
}

func waitForReadiness(ctx context.Context, cl engine.Client, h model.ContainerHandle, envMap map[string]string) error {
	cmd, substr := readinessProbe(h, envMap)
	if cmd == nil {
		return nil
	}
	for attempt := 0; attempt < readinessMaxAttempts; attempt++ {
		res, err := cl.Exec(ctx, h.ID, cmd)
		if err == nil {
			combined := strings.ToLower(string(res.Stdout) + string(res.Stderr))
			if strings.Contains(combined, substr) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
	return fmt.Errorf("not ready after %d attempts", readinessMaxAttempts)
}

func readinessProbe(h model.ContainerHandle, envMap map[string]string) ([]string, string) {
	appType := detect.Detect(h.Image, h.Labels)
	switch appType {
	case detect.AppPostgres:
		user := resolveEnvValue(h.Env, envMap, "POSTGRES_USER", "postgres")
		return []string{"pg_isready", "-U", user}, "accepting"
	case detect.AppMySQL:
		return []string{"mysqladmin", "ping"}, "alive"
	case detect.AppRedis:
		return []string{"redis-cli", "ping"}, "pong"
	default:
		return nil, ""
	}
}

// resolveEnvValue looks up key in the container's live env first (the
// authoritative post-deploy value), falling back to envMap/process-env/def
// via resolvePlaceholders for a "${key}"-style reference.
func resolveEnvValue(containerEnv []string, envMap map[string]string, key, def string) string {
	if v, ok := envLookup(containerEnv, key); ok && v != "" {
		return v
	}
	return resolvePlaceholders(fmt.Sprintf("${%s:-%s}", key, def), envMap)
}

// replayDumps execs each database service's maintenance client with the
// recorded dump piped into stdin. A dump under 100 bytes is replayed
// anyway, with a logged warning; replay failures are recorded but
// non-fatal for the job as a whole.
func replayDumps(ctx context.Context, cl engine.Client, dbServices []string, containers map[string]model.ContainerHandle, entries map[string]*zip.File, memberName map[string]string, envMap map[string]string, warnings **multierror.Error) {
	for _, service := range dbServices {
		h, ok := containers[service]
		if !ok {
			continue
		}
		name, ok := memberName[service]
		if !ok {
			continue
		}
		f, ok := entries["services/"+name+"/dump.sql"]
		if !ok {
			continue
		}

		if f.UncompressedSize64 < minSaneDumpBytes {
			slog.Warn("dump smaller than sanity threshold, replaying anyway", "service", service, "bytes", f.UncompressedSize64)
		}

		appType := detect.Detect(h.Image, h.Labels)
		cmd, ok := replayCommand(appType, h.Env, envMap)
		if !ok {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			*warnings = multierror.Append(*warnings, apperr.Wrap(apperr.ReplayFailed, "service "+service, err))
			continue
		}
		_, err = cl.ExecWithInput(ctx, h.ID, cmd, rc)
		rc.Close()
		if err != nil {
			*warnings = multierror.Append(*warnings, apperr.Wrap(apperr.ReplayFailed, "service "+service, err))
		}
	}
}

// replayCommand builds the maintenance-client command a dump is piped
// into. Only Postgres and MySQL carry a dump.sql from ContainerBackup's
// dump branch.
func replayCommand(appType detect.AppType, containerEnv []string, envMap map[string]string) ([]string, bool) {
	switch appType {
	case detect.AppPostgres:
		user := resolveEnvValue(containerEnv, envMap, "POSTGRES_USER", "postgres")
		return []string{"psql", "-U", user, "-d", "postgres"}, true
	case detect.AppMySQL:
		return []string{"mysql", "-u", "root"}, true
	default:
		return nil, false
	}
}

// resyncCredentials re-asserts the env-declared Postgres role/password
// after replay, since a restored dump may have carried a different one.
func resyncCredentials(ctx context.Context, cl engine.Client, dbServices []string, containers map[string]model.ContainerHandle, envMap map[string]string, warnings **multierror.Error) {
	for _, service := range dbServices {
		h, ok := containers[service]
		if !ok {
			continue
		}
		if detect.Detect(h.Image, h.Labels) != detect.AppPostgres {
			continue
		}
		user := resolveEnvValue(h.Env, envMap, "POSTGRES_USER", "postgres")
		password := resolveEnvValue(h.Env, envMap, "POSTGRES_PASSWORD", "")

		cmd := credentialResyncCommand(user, password)
		if _, err := cl.Exec(ctx, h.ID, cmd); err != nil {
			*warnings = multierror.Append(*warnings, fmt.Errorf("service %s: credential resync: %w", service, err))
		}
	}
}
