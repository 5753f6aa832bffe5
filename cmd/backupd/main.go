// Command backupd is the backup/restore worker process: it wires the
// bbolt-backed store, the Docker engine client, the job queue, and the
// cron-driven scheduler together, and exposes a minimal status surface
// over HTTP. Triggering ad-hoc jobs and the full management UI are the
// job of an external collaborator that enqueues into the same store; this
// process only drains the queue and fires scheduled backups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/stackvault/backupd/internal/backup"
	"github.com/stackvault/backupd/internal/compose"
	"github.com/stackvault/backupd/internal/config"
	"github.com/stackvault/backupd/internal/engine"
	"github.com/stackvault/backupd/internal/model"
	"github.com/stackvault/backupd/internal/queue"
	"github.com/stackvault/backupd/internal/restore"
	"github.com/stackvault/backupd/internal/scheduler"
	"github.com/stackvault/backupd/internal/store"
	"github.com/stackvault/backupd/internal/upload"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.1.0"

func main() {
	// Quick healthcheck mode — used by a Docker HEALTHCHECK. Avoids needing
	// wget/curl in the container; the binary starts, hits /healthz, exits.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "5001"
		if v := os.Getenv("PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting backupd",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"backupDir", cfg.BackupDir,
		"telegramConfigured", cfg.TelegramToken != "" && cfg.ChatID != "",
		"pprof", cfg.Pprof,
	)

	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		slog.Error("backup dir", "err", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DataDir + "/backupd.db")
	if err != nil {
		slog.Error("store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Engine client — connects to whatever DOCKER_HOST points to.
	cl, err := engine.NewSDKClient()
	if err != nil {
		slog.Error("engine client", "err", err)
		os.Exit(1)
	}
	defer cl.Close()

	uploader := upload.New(upload.TelegramConfig{
		BotToken: cfg.TelegramToken,
		ChatID:   cfg.ChatID,
		APIRoot:  cfg.TelegramAPIRoot,
	})

	deployer := &compose.Exec{Stdout: os.Stdout, Stderr: os.Stderr}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newRunner(cl, deployer, db, uploader, cfg.BackupDir)
	q := queue.New(ctx, cfg.QueueCapacity, runner)

	sched := scheduler.New()
	defer sched.Stop()
	schedules, err := db.AllSchedules()
	if err != nil {
		slog.Error("load schedules", "err", err)
		os.Exit(1)
	}
	for _, s := range schedules {
		if err := sched.Register(s, enqueueForSchedule(q, db)); err != nil {
			slog.Error("register schedule", "key", s.Key, "err", err)
		}
	}

	if err := os.MkdirAll(cfg.StacksDir, 0755); err != nil {
		slog.Error("stacks dir", "err", err)
		os.Exit(1)
	}
	if err := compose.WatchImportedManifests(ctx, cfg.StacksDir, func(stackName string) {
		if err := refreshStackDefinition(db, cfg.StacksDir, stackName); err != nil {
			slog.Warn("refresh stack definition", "stack", stackName, "err", err)
		}
	}); err != nil {
		slog.Warn("manifest watcher failed to start", "err", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(q.AllJobs()); err != nil {
			slog.Error("encode jobs", "err", err)
		}
	})
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		slog.Info("pprof enabled at /debug/pprof/")
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

// enqueueForSchedule returns the closure the scheduler fires on a cron
// tick: it re-resolves whether the key names a stack or a bare container
// at fire time rather than baking that decision in at registration.
func enqueueForSchedule(q *queue.Queue, db *store.Store) func(key string) {
	return func(key string) {
		if _, ok, err := db.GetStack(key); err == nil && ok {
			q.Enqueue(model.JobBackupStack, key)
			return
		}
		q.Enqueue(model.JobBackupContainer, key)
	}
}

// refreshStackDefinition re-parses stackName's manifest on disk and
// overwrites its cached StackDefinition, so a hand-edit made outside the
// core never leaves the backup engine working off a stale manifest.
func refreshStackDefinition(db *store.Store, stacksDir, stackName string) error {
	manifestPath := compose.FindComposeFile(stacksDir, stackName)
	if manifestPath == "" {
		return fmt.Errorf("no compose file found for stack %q", stackName)
	}
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	manifest, err := compose.Parse(string(raw))
	if err != nil {
		return err
	}

	envVars := make(map[string]string)
	envFilePath := filepath.Join(filepath.Dir(manifestPath), ".env")
	if envRaw, err := os.ReadFile(envFilePath); err == nil {
		envVars = parseEnvFile(string(envRaw))
	} else {
		envFilePath = ""
	}

	return db.SaveStack(model.StackDefinition{
		StackName:    stackName,
		ManifestText: string(raw),
		EnvVars:      envVars,
		EnvFilePath:  envFilePath,
		Services:     manifest.Services,
		UpdatedAt:    time.Now(),
	})
}

// parseEnvFile parses simple KEY=VALUE lines, skipping blanks and comments.
func parseEnvFile(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// newRunner builds the queue.Runner that dispatches a job to the backup
// or restore package matching its kind, uploads whatever artifact a
// backup produced, and records the outcome in history.
func newRunner(cl engine.Client, deployer compose.Deployer, db *store.Store, uploader *upload.Uploader, backupDir string) queue.Runner {
	return func(ctx context.Context, job model.Job, update func(status model.JobStatus, message string)) error {
		switch job.Kind {
		case model.JobBackupContainer:
			handle, err := cl.ContainerInspect(ctx, job.Target)
			if err != nil {
				return err
			}
			artifactPath, err := backup.BackupContainer(ctx, cl, *handle, nil, nil, backupDir, true)
			if err != nil {
				return err
			}
			return deliverArtifact(ctx, db, uploader, update, job.Target, artifactPath)

		case model.JobBackupStack:
			def, ok, err := db.GetStack(job.Target)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no stored stack definition for %q", job.Target)
			}
			artifactPath, err := backup.BackupStack(ctx, cl, def, job.Target, backupDir, func(i, n int, service string) {
				update(model.StatusProcessing, fmt.Sprintf("[%d/%d] %s", i, n, service))
			})
			if err != nil {
				return err
			}
			return deliverArtifact(ctx, db, uploader, update, job.Target, artifactPath)

		case model.JobRestoreContainer, model.JobRestoreClone:
			_, err := restore.RestoreContainer(ctx, cl, job.Target, "", restore.UpdateFunc(update))
			return err

		case model.JobRestoreStackIntoPlace:
			return restore.RestoreStack(ctx, cl, deployer, job.Target, db, restore.UpdateFunc(update))

		default:
			return fmt.Errorf("unknown job kind %q", job.Kind)
		}
	}
}

// deliverArtifact uploads a freshly produced backup artifact and appends
// the outcome to history, whatever the upload result.
func deliverArtifact(ctx context.Context, db *store.Store, uploader *upload.Uploader, update func(status model.JobStatus, message string), subject, artifactPath string) error {
	update(model.StatusUploading, artifactPath)
	res := uploader.Upload(ctx, artifactPath)

	entry := model.HistoryEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		Subject:      subject,
		Status:       res.Status,
		Destination:  res.Destination,
		Message:      res.Message,
		SizeBytes:    res.SizeBytes,
		ArtifactPath: artifactPath,
	}
	if err := db.AppendHistory(subject, entry); err != nil {
		slog.Error("append history", "subject", subject, "err", err)
	}
	slog.Info("artifact delivered",
		"subject", subject,
		"destination", res.Destination,
		"size", units.HumanSize(float64(res.SizeBytes)),
	)
	if res.Status == model.HistoryFailed {
		return fmt.Errorf("upload failed: %s", res.Message)
	}
	return nil
}
