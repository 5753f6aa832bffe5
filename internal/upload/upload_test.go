package upload

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stackvault/backupd/internal/model"
)

func writeFixtureArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.zip")
	if err := os.WriteFile(path, []byte("fake zip contents"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestUploadWithoutConfigStaysLocal(t *testing.T) {
	u := New(TelegramConfig{})
	res := u.Upload(t.Context(), writeFixtureArtifact(t))
	if res.Destination != model.DestinationLocal || res.Status != model.HistorySuccess {
		t.Errorf("res = %+v, want local/success", res)
	}
	if res.SizeBytes == 0 {
		t.Error("expected non-zero size")
	}
}

func TestUploadTelegramSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(TelegramConfig{BotToken: "t", ChatID: "c", APIRoot: srv.URL})
	u.HTTP = srv.Client()

	artifactPath := writeFixtureArtifact(t)
	res := u.Upload(t.Context(), artifactPath)
	if res.Status != model.HistorySuccess || res.Destination != model.DestinationTelegram {
		t.Errorf("res = %+v, want telegram/success", res)
	}
	if _, err := os.Stat(artifactPath); !os.IsNotExist(err) {
		t.Errorf("expected local artifact to be removed after successful telegram upload, stat err = %v", err)
	}
}

func TestUploadTelegramFailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := New(TelegramConfig{BotToken: "t", ChatID: "c", APIRoot: srv.URL})
	u.HTTP = srv.Client()

	artifactPath := writeFixtureArtifact(t)
	res := u.Upload(t.Context(), artifactPath)
	if res.Status != model.HistoryFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
	if res.Destination != model.DestinationLocal {
		t.Errorf("destination = %v, want local (artifact kept on disk)", res.Destination)
	}
	if res.Message == "" {
		t.Error("expected failure message")
	}
	if _, err := os.Stat(artifactPath); err != nil {
		t.Errorf("expected local artifact to be kept on upload failure, stat err = %v", err)
	}
}
