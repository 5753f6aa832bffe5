// Package upload delivers a finished backup artifact to its configured
// destination and records the outcome. The only remote destination
// implemented is Telegram, via a multipart document upload over the Bot
// API; a missing or absent configuration is not an error, it simply means
// the artifact stays local-only.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/model"
)

// TelegramConfig holds the bot token and destination chat for uploads.
// A zero-value TelegramConfig means Telegram delivery is not configured.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIRoot  string // defaults to defaultTelegramAPIRoot if empty
}

func (c TelegramConfig) configured() bool {
	return c.BotToken != "" && c.ChatID != ""
}

func (c TelegramConfig) apiRoot() string {
	if c.APIRoot != "" {
		return c.APIRoot
	}
	return defaultTelegramAPIRoot
}

const defaultTelegramAPIRoot = "https://api.telegram.org"

// Uploader delivers artifacts to Telegram and falls back to local-only
// when Telegram isn't configured.
type Uploader struct {
	Telegram TelegramConfig
	HTTP     *http.Client
}

// New returns an Uploader using cfg, defaulting to a 10-minute HTTP
// client timeout (large artifacts can take a while over a slow uplink).
func New(cfg TelegramConfig) *Uploader {
	return &Uploader{
		Telegram: cfg,
		HTTP:     &http.Client{Timeout: 10 * time.Minute},
	}
}

// Result describes what happened to an upload attempt, ready to be
// turned into a HistoryEntry by the caller.
type Result struct {
	Destination model.HistoryDestination
	Status      model.HistoryStatus
	Message     string
	SizeBytes   int64
}

// Upload sends artifactPath to the configured destination. If Telegram
// isn't configured, it returns a DestinationLocal/HistorySuccess result
// without attempting any network call — an absent configuration is a
// valid, expected state, not a failure.
func (u *Uploader) Upload(ctx context.Context, artifactPath string) Result {
	info, statErr := os.Stat(artifactPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	if !u.Telegram.configured() {
		return Result{Destination: model.DestinationLocal, Status: model.HistorySuccess, SizeBytes: size}
	}

	if err := u.uploadTelegram(ctx, artifactPath); err != nil {
		return Result{
			Destination: model.DestinationLocal,
			Status:      model.HistoryFailed,
			Message:     err.Error(),
			SizeBytes:   size,
		}
	}

	if err := os.Remove(artifactPath); err != nil {
		return Result{
			Destination: model.DestinationTelegram,
			Status:      model.HistoryFailed,
			Message:     fmt.Sprintf("uploaded but failed to remove local copy: %v", err),
			SizeBytes:   size,
		}
	}
	return Result{Destination: model.DestinationTelegram, Status: model.HistorySuccess, SizeBytes: size}
}

func (u *Uploader) uploadTelegram(ctx context.Context, artifactPath string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return apperr.Wrap(apperr.UploadFailed, "open artifact for upload", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("chat_id", u.Telegram.ChatID); err != nil {
		return apperr.Wrap(apperr.UploadFailed, "write chat_id field", err)
	}
	part, err := mw.CreateFormFile("document", filepath.Base(artifactPath))
	if err != nil {
		return apperr.Wrap(apperr.UploadFailed, "create form file", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return apperr.Wrap(apperr.UploadFailed, "copy artifact into request body", err)
	}
	if err := mw.Close(); err != nil {
		return apperr.Wrap(apperr.UploadFailed, "close multipart writer", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", u.Telegram.apiRoot(), u.Telegram.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return apperr.Wrap(apperr.UploadFailed, "build request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UploadFailed, "send to telegram", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.New(apperr.UploadFailed, fmt.Sprintf("telegram responded %d: %s", resp.StatusCode, respBody))
	}
	return nil
}
