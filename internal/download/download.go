// Package download streams model files to disk, verifying integrity before
// a file ever appears at its final path.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/protocol"
	"github.com/ambiware-labs/murmur/internal/store"
	"github.com/shirou/gopsutil/v4/disk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Status values reported through ProgressFunc.
const (
	StatusStarting    = "starting"
	StatusDownloading = "downloading"
	StatusValidating  = "validating"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// ProgressFunc receives transfer progress. Percentage is non-decreasing
// within one transfer and reaches 100 only on success.
type ProgressFunc func(protocol.DownloadProgress)

// ChecksumMismatchError reports a downloaded file whose digest does not match
// the catalog. The temp file has already been removed.
type ChecksumMismatchError struct {
	Variant  catalog.Variant
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s",
		e.Variant, e.Expected, e.Actual)
}

// NetworkError wraps a transfer failure with how far it got, enough for an
// actionable retry message.
type NetworkError struct {
	Variant          catalog.Variant
	BytesTransferred int64
	Cause            error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("download of %s failed after %d bytes: %v",
		e.Variant, e.BytesTransferred, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// InsufficientDiskSpaceError is returned before any bytes are transferred.
type InsufficientDiskSpaceError struct {
	Variant   catalog.Variant
	Required  int64
	Available int64
}

func (e *InsufficientDiskSpaceError) Error() string {
	return fmt.Sprintf("not enough disk space for %s: need %d bytes, have %d",
		e.Variant, e.Required, e.Available)
}

// DiskFreeFunc reports available bytes for the filesystem containing path.
type DiskFreeFunc func(path string) (uint64, error)

// GopsutilDiskFree is the production DiskFreeFunc.
func GopsutilDiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

type inflight struct {
	done chan struct{}
	err  error

	mu        sync.Mutex
	listeners []ProgressFunc
}

func (f *inflight) addListener(fn ProgressFunc) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *inflight) emit(p protocol.DownloadProgress) {
	f.mu.Lock()
	fns := append([]ProgressFunc(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// Manager runs model transfers. Concurrent requests for the same variant are
// coalesced onto a single transfer; every caller observes its progress and
// shares its outcome.
type Manager struct {
	cat      catalog.Catalog
	st       *store.Store
	client   *http.Client
	log      *slog.Logger
	timeout  time.Duration
	diskFree DiskFreeFunc

	mu        sync.Mutex
	transfers map[catalog.Variant]*inflight

	completed metric.Int64Counter
	failed    metric.Int64Counter
}

func NewManager(cat catalog.Catalog, st *store.Store, timeout time.Duration, log *slog.Logger) *Manager {
	meter := otel.Meter("github.com/ambiware-labs/murmur/download")
	completed, _ := meter.Int64Counter("murmur.downloads.completed")
	failed, _ := meter.Int64Counter("murmur.downloads.failed")

	return &Manager{
		cat:       cat,
		st:        st,
		client:    &http.Client{},
		log:       log.With(slog.String("component", "download")),
		timeout:   timeout,
		diskFree:  GopsutilDiskFree,
		transfers: make(map[catalog.Variant]*inflight),
		completed: completed,
		failed:    failed,
	}
}

// SetHTTPClient replaces the transport, used by tests.
func (m *Manager) SetHTTPClient(c *http.Client) { m.client = c }

// SetDiskFree replaces the free-space probe, used by tests.
func (m *Manager) SetDiskFree(fn DiskFreeFunc) { m.diskFree = fn }

// Download fetches a variant to the models directory. It blocks until the
// transfer (or the transfer it joined) finishes.
func (m *Manager) Download(ctx context.Context, v catalog.Variant, onProgress ProgressFunc) error {
	m.mu.Lock()
	if f, ok := m.transfers[v]; ok {
		f.addListener(onProgress)
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	f.addListener(onProgress)
	m.transfers[v] = f
	m.mu.Unlock()

	err := m.run(ctx, v, f)

	m.mu.Lock()
	delete(m.transfers, v)
	m.mu.Unlock()

	f.err = err
	close(f.done)
	return err
}

func (m *Manager) run(ctx context.Context, v catalog.Variant, f *inflight) error {
	meta, err := m.cat.Metadata(v)
	if err != nil {
		return err
	}
	finalPath, err := m.st.Path(v)
	if err != nil {
		return err
	}
	if err := m.st.EnsureDir(); err != nil {
		return err
	}

	attrs := metric.WithAttributes(attribute.String("variant", string(v)))
	start := time.Now()
	err = m.transfer(ctx, meta, finalPath, f)
	if err != nil {
		m.failed.Add(ctx, 1, attrs)
		m.log.Warn("model download failed",
			slog.String("variant", string(v)),
			slog.String("error", err.Error()))
		return err
	}
	m.completed.Add(ctx, 1, attrs)
	m.log.Info("model download complete",
		slog.String("variant", string(v)),
		slog.Int64("bytes", meta.SizeBytes),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (m *Manager) transfer(ctx context.Context, meta catalog.Metadata, finalPath string, f *inflight) error {
	prog := &progressState{variant: meta.Variant, total: meta.SizeBytes, emit: f.emit}
	prog.report(StatusStarting, 0)

	fail := func(err error) error {
		prog.reportError()
		return err
	}

	if free, probeErr := m.diskFree(m.st.Dir()); probeErr == nil {
		if int64(free) < meta.SizeBytes {
			return fail(&InsufficientDiskSpaceError{
				Variant:   meta.Variant,
				Required:  meta.SizeBytes,
				Available: int64(free),
			})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.SourceURL, nil)
	if err != nil {
		return fail(&NetworkError{Variant: meta.Variant, Cause: err})
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fail(&NetworkError{Variant: meta.Variant, Cause: err})
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(&NetworkError{
			Variant: meta.Variant,
			Cause:   fmt.Errorf("unexpected status %s", resp.Status),
		})
	}

	tmpPath := finalPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fail(&NetworkError{Variant: meta.Variant, Cause: fmt.Errorf("create temp file: %w", err)})
	}

	cleanup := func() {
		file.Close()
		os.Remove(tmpPath)
	}

	prog.report(StatusDownloading, 0)
	written, err := io.Copy(io.MultiWriter(file, prog), resp.Body)
	if err != nil {
		cleanup()
		return fail(&NetworkError{Variant: meta.Variant, BytesTransferred: written, Cause: err})
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fail(&NetworkError{Variant: meta.Variant, BytesTransferred: written, Cause: fmt.Errorf("flush temp file: %w", err)})
	}

	prog.report(StatusValidating, written)
	actual, err := store.HashFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fail(fmt.Errorf("hash downloaded file: %w", err))
	}
	if !strings.EqualFold(actual, meta.Checksum) {
		os.Remove(tmpPath)
		return fail(&ChecksumMismatchError{
			Variant:  meta.Variant,
			Expected: strings.ToLower(meta.Checksum),
			Actual:   actual,
		})
	}

	// Validation passed; only now may the final path come into existence.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fail(fmt.Errorf("commit model file: %w", err))
	}

	prog.reportCompleted(written)
	return nil
}

// progressState clamps percentages so one transfer's reports never decrease.
type progressState struct {
	variant catalog.Variant
	total   int64
	emit    func(protocol.DownloadProgress)

	written int64
	lastPct float64
}

func (p *progressState) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	p.report(StatusDownloading, p.written)
	return len(b), nil
}

func (p *progressState) report(status string, downloaded int64) {
	pct := 0.0
	if p.total > 0 {
		pct = float64(downloaded) / float64(p.total) * 100
	}
	if pct > 100 {
		pct = 100
	}
	if pct < p.lastPct {
		pct = p.lastPct
	}
	p.lastPct = pct
	p.emit(protocol.DownloadProgress{
		Variant:         string(p.variant),
		BytesDownloaded: downloaded,
		TotalBytes:      p.total,
		Percentage:      pct,
		Status:          status,
	})
}

func (p *progressState) reportCompleted(downloaded int64) {
	p.lastPct = 100
	p.emit(protocol.DownloadProgress{
		Variant:         string(p.variant),
		BytesDownloaded: downloaded,
		TotalBytes:      p.total,
		Percentage:      100,
		Status:          StatusCompleted,
	})
}

func (p *progressState) reportError() {
	p.emit(protocol.DownloadProgress{
		Variant:         string(p.variant),
		BytesDownloaded: p.written,
		TotalBytes:      p.total,
		Percentage:      p.lastPct,
		Status:          StatusError,
	})
}

// IsRetryable reports whether err is worth retrying from the caller's side.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var sumErr *ChecksumMismatchError
	return errors.As(err, &sumErr)
}
