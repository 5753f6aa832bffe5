package restore

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/artifact"
	"github.com/stackvault/backupd/internal/backup"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
)

const (
	pullTimeout = 5 * time.Minute
)

// UpdateFunc reports a job's status/message during a restore, the same
// closure shape the job queue hands its Runner.
type UpdateFunc func(status model.JobStatus, message string)

func noopUpdate(model.JobStatus, string) {}

// RestoreContainer recreates a single container from artifactPath. If
// networkOverride is set, the new container attaches only to that
// network; otherwise it tries to reattach to the container's first
// original network, falling back to "bridge".
func RestoreContainer(ctx context.Context, cl engine.Client, artifactPath string, networkOverride string, update UpdateFunc) (*RestoreResult, error) {
	if update == nil {
		update = noopUpdate
	}

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

	if isStackArtifact(entries) {
		return nil, apperr.New(apperr.ParseError, "artifact is a unified-stack archive, use RestoreStack")
	}

	if _, ok := entries["config.json"]; !ok {
		if isLegacyNestedArchive(entries) {
			return restoreLegacyNested(ctx, cl, entries, update)
		}
		return nil, apperr.New(apperr.NotFound, "artifact has no root config.json")
	}

	update(model.StatusProcessing, "parsing config.json")
	cfg, err := readConfig(entries)
	if err != nil {
		return nil, err
	}

	epoch := time.Now().Unix()
	return restoreFromConfig(ctx, cl, entries, cfg, networkOverride, epoch, update)
}

// restoreLegacyNested handles the deprecated nested-zip stack form: any
// entry ending in ".zip", recursed into one by one under a freshly
// created network, database-like names first. Per the routing design,
// this path is reached only when no root config.json or stack_metadata.json
// exists at all — current archives never take it.
func restoreLegacyNested(ctx context.Context, cl engine.Client, entries map[string]*zip.File, update UpdateFunc) (*RestoreResult, error) {
	epoch := time.Now().Unix()
	netName := fmt.Sprintf("stack_restore_%d", epoch)
	if _, err := cl.NetworkEnsure(ctx, netName); err != nil {
		return nil, apperr.Wrap(apperr.EngineUnavailable, "create legacy restore network", err)
	}

	var names []string
	for name := range entries {
		if path.Ext(name) == ".zip" {
			names = append(names, name)
		}
	}
	sortChildrenDatabaseFirst(names)

	tmpDir, err := os.MkdirTemp("", "backupd-legacy-restore-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, "create temp dir for nested children", err)
	}
	defer os.RemoveAll(tmpDir)

	var last *RestoreResult
	for _, name := range names {
		childPath, err := extractEntryToFile(entries[name], tmpDir, name)
		if err != nil {
			return nil, err
		}
		res, err := RestoreContainer(ctx, cl, childPath, netName, update)
		if err != nil {
			return nil, fmt.Errorf("restore nested child %s: %w", name, err)
		}
		last = res
	}
	if last == nil {
		return nil, apperr.New(apperr.NotFound, "legacy nested archive contained no child artifacts")
	}
	return last, nil
}

func extractEntryToFile(f *zip.File, dir, name string) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", apperr.Wrap(apperr.IOError, "open nested entry", err)
	}
	defer rc.Close()

	dest := path.Join(dir, path.Base(name))
	out, err := os.Create(dest)
	if err != nil {
		return "", apperr.Wrap(apperr.IOError, "create nested child file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return "", apperr.Wrap(apperr.IOError, "write nested child file", err)
	}
	return dest, nil
}

// restoreFromConfig drives the container through init -> pulled -> created
// -> started -> volumes-injected -> done. A failure at any step returns an
// error and leaves whatever container was already created running (or
// stopped) for diagnosis; only success reaches "done".
func restoreFromConfig(ctx context.Context, cl engine.Client, entries map[string]*zip.File, cfg backup.ContainerConfig, networkOverride string, epoch int64, update UpdateFunc) (*RestoreResult, error) {
	present, err := cl.ImagePresent(ctx, cfg.Image)
	if err != nil {
		return nil, apperr.Wrap(apperr.EngineUnavailable, "check image presence", err)
	}
	if !present {
		update(model.StatusProcessing, "pulling image "+cfg.Image)
		pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		err := cl.PullImage(pullCtx, cfg.Image)
		cancel()
		if err != nil {
			return nil, apperr.Wrap(apperr.CaptureFailed, "pull image", err)
		}
	}

	newName := fmt.Sprintf("%s_restored_%d", cfg.Name, epoch)

	networkName, aliases := resolveNetwork(cfg, networkOverride)

	portBindings, portRemaps, err := rebindPorts(ctx, cl, cfg.HostConfig.PortBindings)
	if err != nil {
		return nil, apperr.Wrap(apperr.CaptureFailed, "rebind ports", err)
	}

	binds, bindRemaps, err := rebindMounts(cfg.HostConfig.Binds, epoch)
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, "rebind mounts", err)
	}

	spec := engine.ContainerSpec{
		Name:           newName,
		Image:          cfg.Image,
		Env:            cfg.Env,
		Command:        cfg.Cmd,
		PortBindings:   portBindings,
		Binds:          binds,
		NetworkName:    networkName,
		NetworkAliases: aliases,
		RestartPolicy:  "unless-stopped",
	}
	for cp := range cfg.Ports {
		spec.ExposedPorts = append(spec.ExposedPorts, cp)
	}

	update(model.StatusProcessing, "creating container "+newName)
	id, err := cl.CreateContainer(ctx, spec)
	if err != nil {
		return nil, apperr.Wrap(apperr.CaptureFailed, "create container", err)
	}

	update(model.StatusProcessing, "starting container "+newName)
	if err := cl.StartContainer(ctx, id); err != nil {
		return nil, apperr.Wrap(apperr.CaptureFailed, "start container", err)
	}

	update(model.StatusProcessing, "injecting captured volumes")
	if err := injectRootTars(ctx, cl, id, entries, cfg.BackupPaths); err != nil {
		return nil, err
	}

	return &RestoreResult{
		ContainerID:   id,
		ContainerName: newName,
		State:         StateDone,
		PortRemaps:    portRemaps,
		BindRemaps:    bindRemaps,
	}, nil
}

// resolveNetwork implements the networking rule: an explicit override
// wins, attaching only to it with aliases {composeService, origName};
// otherwise the container reattaches to its first original network, or
// "bridge" if none remain. "First" is the lexicographically smallest
// network name — map iteration order is randomized per run, and the
// attachment order Docker itself reported isn't preserved by a JSON map
// round trip, so this is the only reproducible notion of "first"
// available here.
func resolveNetwork(cfg backup.ContainerConfig, networkOverride string) (string, []string) {
	if networkOverride != "" {
		aliases := []string{cfg.Name}
		if cfg.ComposeService != "" {
			aliases = append(aliases, cfg.ComposeService)
		}
		return networkOverride, aliases
	}
	if len(cfg.NetworkSettings.Networks) == 0 {
		return "bridge", nil
	}
	names := make([]string, 0, len(cfg.NetworkSettings.Networks))
	for name := range cfg.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], nil
}

// rebindPorts probes each original host binding and substitutes the
// first free port at or above it, recording every substitution.
func rebindPorts(ctx context.Context, cl engine.Client, original []model.PortBinding) ([]model.PortBinding, []PortRemap, error) {
	var out []model.PortBinding
	var remaps []PortRemap
	for _, pb := range original {
		newHost, err := firstFreePortFrom(ctx, cl, pb.HostPort)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, model.PortBinding{HostPort: newHost, ContainerPort: pb.ContainerPort, Protocol: pb.Protocol})
		if newHost != pb.HostPort {
			remaps = append(remaps, PortRemap{ContainerPort: pb.ContainerPort, From: pb.HostPort, To: newHost})
		}
	}
	return out, remaps, nil
}

const maxPort = 65534

func firstFreePortFrom(ctx context.Context, cl engine.Client, hostPort string) (string, error) {
	n, err := strconv.Atoi(hostPort)
	if err != nil {
		return "", fmt.Errorf("invalid host port %q: %w", hostPort, err)
	}
	for p := n; p <= maxPort; p++ {
		ps := strconv.Itoa(p)
		free, _ := engine.PortAvailable(ctx, cl, ps)
		if free {
			return ps, nil
		}
	}
	return "", fmt.Errorf("no free port found at or above %s", hostPort)
}

// rebindMounts retargets any bind whose original host path already
// exists on disk to "<hostPath>_restored_<epoch>", pre-creating the new
// path's parent directory.
func rebindMounts(original []model.Bind, epoch int64) ([]model.Bind, []BindRemap, error) {
	var out []model.Bind
	var remaps []BindRemap
	for _, b := range original {
		hostPath := b.HostPath
		if _, err := os.Stat(b.HostPath); err == nil {
			newHost := fmt.Sprintf("%s_restored_%d", b.HostPath, epoch)
			if err := os.MkdirAll(path.Dir(newHost), 0755); err != nil {
				return nil, nil, fmt.Errorf("create parent for %s: %w", newHost, err)
			}
			remaps = append(remaps, BindRemap{ContainerPath: b.ContainerPath, From: b.HostPath, To: newHost})
			hostPath = newHost
		}
		out = append(out, model.Bind{HostPath: hostPath, ContainerPath: b.ContainerPath, ReadOnly: b.ReadOnly})
	}
	return out, remaps, nil
}

// injectRootTars streams every root-level *.tar entry back into the
// container. The destination directory is resolved by matching the
// entry's escaped name against backupPaths (config.json's verbatim
// record of what was captured), never by decoding the escaped name
// itself — a path segment containing an underscore is ambiguous once
// escaped, so only the recorded path is trustworthy.
func injectRootTars(ctx context.Context, cl engine.Client, containerID string, entries map[string]*zip.File, backupPaths []string) error {
	byEntryName := make(map[string]string, len(backupPaths))
	for _, p := range backupPaths {
		byEntryName[artifact.EscapePath(p)] = p
	}

	var names []string
	for name := range entries {
		if path.Dir(name) == "." && path.Ext(name) == ".tar" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		original, ok := byEntryName[name]
		if !ok {
			continue
		}
		f := entries[name]
		rc, err := f.Open()
		if err != nil {
			return apperr.Wrap(apperr.IOError, "open volume entry "+name, err)
		}
		err = cl.PutArchive(ctx, containerID, path.Dir(original), rc)
		rc.Close()
		if err != nil {
			return apperr.Wrap(apperr.CaptureFailed, "inject volume "+name, err)
		}
	}
	return nil
}
