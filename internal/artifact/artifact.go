// Package artifact builds the zip archives that back every backup
// produced by the service: a sequence of named byte blobs and streamed
// entries, written with deflate compression, where the first entry is
// always a metadata manifest so a reader can identify an artifact without
// decompressing the rest of it.
package artifact

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stackvault/backupd/internal/apperr"
)

const (
	// metadataEntryTimeout bounds each AppendBytes call (config.json and
	// any other small in-memory entry).
	metadataEntryTimeout = 300 * time.Second
	// streamEntryTimeout bounds an AppendStream call (a volume tar or a
	// database dump) when the caller passes no timeout of its own.
	streamEntryTimeout = 600 * time.Second
)

// Writer accumulates entries into a zip archive on disk. Entries must be
// appended in order; the first appended entry is required to be the
// metadata manifest, enforced by requireMetadataFirst.
type Writer struct {
	path   string
	file   *os.File
	zw     *zip.Writer
	opened bool
	count  int
}

// NewWriter creates path (truncating any existing file) and returns a
// Writer ready to accept entries. Entries are deflated at level 9
// (flate.BestCompression). Callers must call Finalize or Abort.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, fmt.Sprintf("create artifact %s", path), err)
	}
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return &Writer{path: path, file: f, zw: zw}, nil
}

// AppendBytes writes a small, fully in-memory entry (e.g. config.json).
// The first call must be the metadata entry per the archive layout
// invariant; see requireMetadataFirst.
func (w *Writer) AppendBytes(ctx context.Context, name string, content []byte, isMetadata bool) error {
	if err := w.requireMetadataFirst(name, isMetadata); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, metadataEntryTimeout)
	defer cancel()

	entry, err := w.zw.Create(name)
	if err != nil {
		return apperr.Wrap(apperr.IOError, fmt.Sprintf("create entry %s", name), err)
	}
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.Timeout, fmt.Sprintf("append %s", name), ctx.Err())
	}
	if _, err := entry.Write(content); err != nil {
		return apperr.Wrap(apperr.IOError, fmt.Sprintf("write entry %s", name), err)
	}
	w.count++
	return nil
}

// AppendStream copies src into a new entry named name, honoring ctx for
// cancellation. Used for volume tars and database dumps, whose size is
// not known up front. Returns the number of bytes written.
func (w *Writer) AppendStream(ctx context.Context, name string, src io.Reader, timeout time.Duration) (int64, error) {
	if err := w.requireMetadataFirst(name, false); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = streamEntryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry, err := w.zw.Create(name)
	if err != nil {
		return 0, apperr.Wrap(apperr.IOError, fmt.Sprintf("create entry %s", name), err)
	}

	n, err := copyWithContext(ctx, entry, src)
	if err != nil {
		return n, err
	}
	w.count++
	return n, nil
}

// copyWithContext runs io.Copy from src to dst in a goroutine and returns
// a Timeout error as soon as ctx ends first, so a timeout or cancellation
// interrupts a long-running copy promptly.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.Copy(dst, src)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		// Unblock the in-flight Read if src supports it (GetArchive's
		// io.ReadCloser does), then wait for the copy goroutine to actually
		// stop before returning. dst is a *zip.Writer, not safe for
		// concurrent use, and callers react to this error by closing or
		// removing the underlying file (Writer.Abort) — the goroutine must
		// not still be writing into either when that happens.
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
		<-done
		return 0, apperr.Wrap(apperr.Timeout, "stream copy", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return r.n, apperr.Wrap(apperr.IOError, "stream copy", r.err)
		}
		return r.n, nil
	}
}

// requireMetadataFirst enforces that the archive's first entry is always
// the metadata manifest, so a reader can open the zip and read
// config.json without scanning the whole central directory for it.
func (w *Writer) requireMetadataFirst(name string, isMetadata bool) error {
	if w.count == 0 && !isMetadata {
		return apperr.New(apperr.CaptureFailed, fmt.Sprintf("first artifact entry must be metadata, got %s", name))
	}
	if w.count > 0 && isMetadata {
		return apperr.New(apperr.CaptureFailed, fmt.Sprintf("metadata entry %s must be first", name))
	}
	return nil
}

// Finalize closes the zip central directory and the underlying file. On
// failure the partial file is removed. The Writer must not be used
// afterward.
func (w *Writer) Finalize() error {
	if err := w.zw.Close(); err != nil {
		w.file.Close()
		os.Remove(w.path)
		return apperr.Wrap(apperr.CaptureFailed, "finalize artifact", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.path)
		return apperr.Wrap(apperr.CaptureFailed, "close artifact file", err)
	}
	return nil
}

// Abort closes and removes the partial artifact file. Call this instead
// of Finalize whenever capture fails partway through, so a half-written
// archive never survives as if it were a complete backup.
func (w *Writer) Abort() {
	w.zw.Close()
	w.file.Close()
	os.Remove(w.path)
}

// EntryCount returns the number of entries written so far.
func (w *Writer) EntryCount() int { return w.count }
