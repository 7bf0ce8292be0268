// Package store tracks which model variants are present and valid on disk.
// Disk state can change underneath the process, so nothing here is cached:
// every query re-stats and re-hashes.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ambiware-labs/murmur/internal/catalog"
)

// ErrNotDownloaded reports that a variant has no valid file on disk.
var ErrNotDownloaded = errors.New("model not downloaded")

// CorruptedFileError reports a present file whose digest does not match the
// catalog entry.
type CorruptedFileError struct {
	Variant  catalog.Variant
	Expected string
	Actual   string
}

func (e *CorruptedFileError) Error() string {
	return fmt.Sprintf("model file for %s is corrupted: expected sha256 %s, got %s",
		e.Variant, e.Expected, e.Actual)
}

// Unloader releases a loaded model before its backing file is removed.
type Unloader interface {
	UnloadVariant(v catalog.Variant)
}

// FileState is the derived on-disk condition of one variant.
type FileState struct {
	Variant       catalog.Variant
	Path          string
	Exists        bool
	ChecksumValid bool
}

// ValidationResult is one row of the startup sweep report.
type ValidationResult struct {
	Variant catalog.Variant `json:"variant"`
	Existed bool            `json:"existed"`
	Valid   bool            `json:"valid"`
	Removed bool            `json:"removed"`
	Err     error           `json:"-"`
}

type Store struct {
	dir      string
	cat      catalog.Catalog
	log      *slog.Logger
	unloader Unloader
}

func New(dir string, cat catalog.Catalog, log *slog.Logger) *Store {
	return &Store{
		dir: dir,
		cat: cat,
		log: log.With(slog.String("component", "model-store")),
	}
}

// AttachUnloader wires the lifecycle manager in after construction; the two
// components reference each other so one side has to attach late.
func (s *Store) AttachUnloader(u Unloader) {
	s.unloader = u
}

// Dir returns the models directory.
func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the models directory if missing.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	return nil
}

// Path returns the final on-disk location for a variant.
func (s *Store) Path(v catalog.Variant) (string, error) {
	meta, err := s.cat.Metadata(v)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, meta.FileName), nil
}

// FileState stats and hashes the variant's file. A hash failure on an
// existing file reports exists-but-invalid rather than an error.
func (s *Store) FileState(v catalog.Variant) (FileState, error) {
	meta, err := s.cat.Metadata(v)
	if err != nil {
		return FileState{}, err
	}
	path := filepath.Join(s.dir, meta.FileName)
	state := FileState{Variant: v, Path: path}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("stat %s: %w", path, err)
	}
	state.Exists = true

	actual, err := HashFile(path)
	if err != nil {
		return state, fmt.Errorf("hash %s: %w", path, err)
	}
	state.ChecksumValid = strings.EqualFold(actual, meta.Checksum)
	return state, nil
}

// IsDownloaded reports whether the file exists and its checksum matches.
// A file that exists but fails validation is corrupted, not downloaded.
func (s *Store) IsDownloaded(v catalog.Variant) (bool, error) {
	state, err := s.FileState(v)
	if err != nil {
		return false, err
	}
	return state.Exists && state.ChecksumValid, nil
}

// IsCorrupted reports whether the file exists with a mismatched checksum.
func (s *Store) IsCorrupted(v catalog.Variant) (bool, error) {
	state, err := s.FileState(v)
	if err != nil {
		return false, err
	}
	return state.Exists && !state.ChecksumValid, nil
}

// ValidateAll sweeps every catalog variant, deleting files that exist but
// fail validation. One variant's I/O error does not abort the sweep; it is
// surfaced in that variant's result row.
func (s *Store) ValidateAll(ctx context.Context) []ValidationResult {
	var results []ValidationResult
	for _, meta := range s.cat.AllMetadata() {
		if ctx.Err() != nil {
			results = append(results, ValidationResult{Variant: meta.Variant, Err: ctx.Err()})
			continue
		}
		res := ValidationResult{Variant: meta.Variant}
		state, err := s.FileState(meta.Variant)
		if err != nil {
			res.Existed = state.Exists
			res.Err = err
			s.log.Warn("model validation failed",
				slog.String("variant", string(meta.Variant)),
				slog.String("error", err.Error()))
			results = append(results, res)
			continue
		}
		res.Existed = state.Exists
		res.Valid = state.Exists && state.ChecksumValid
		if state.Exists && !state.ChecksumValid {
			if err := os.Remove(state.Path); err != nil {
				res.Err = fmt.Errorf("remove corrupted file: %w", err)
				s.log.Warn("failed to remove corrupted model",
					slog.String("variant", string(meta.Variant)),
					slog.String("error", err.Error()))
			} else {
				res.Removed = true
				s.log.Info("removed corrupted model file",
					slog.String("variant", string(meta.Variant)),
					slog.String("path", state.Path))
			}
		}
		results = append(results, res)
	}
	return results
}

// Delete removes a variant's file. If that variant is currently loaded the
// attached unloader releases it first, so no native handle is left over a
// removed file.
func (s *Store) Delete(v catalog.Variant) error {
	path, err := s.Path(v)
	if err != nil {
		return err
	}
	if s.unloader != nil {
		s.unloader.UnloadVariant(v)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", v, ErrNotDownloaded)
		}
		return fmt.Errorf("delete %s: %w", v, err)
	}
	s.log.Info("deleted model file",
		slog.String("variant", string(v)),
		slog.String("path", path))
	return nil
}

// HashFile streams a file through sha-256 and returns the lowercase hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
