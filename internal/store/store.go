// Package store persists report payloads on disk until they reach a terminal
// outcome.
package store

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
)

var (
	// ErrWriteFailed is returned when a payload could not be written completely.
	ErrWriteFailed = errors.New("store: write failed")

	// ErrNoLocation is returned when the location provider has no location for an identifier.
	ErrNoLocation = errors.New("store: no location for identifier")
)

const tempPattern = ".wells-*.tmp"

// Entry is a stored payload found on disk.
type Entry struct {
	Location  string
	CreatedAt time.Time
}

// Store owns the report payload files under a root directory.
type Store struct {
	fs        afero.Fs
	root      string
	locations LocationProvider
	logger    *logging.Logger

	// serializes directory creation
	mu sync.Mutex
}

type Option func(*Store)

// WithFs replaces the OS filesystem, typically with afero.NewMemMapFs in tests.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) { s.fs = fs }
}

// WithLocationProvider overrides the default <root>/<identifier>.wellsdata layout.
func WithLocationProvider(p LocationProvider) Option {
	return func(s *Store) { s.locations = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a store rooted at root. The directory is created lazily.
func New(root string, opts ...Option) *Store {
	s := &Store{
		fs:        afero.NewOsFs(),
		root:      filepath.Clean(root),
		locations: IdentifierExtension{Dir: filepath.Clean(root), Extension: DefaultExtension},
		logger:    logging.New("wells-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs { return s.fs }

// Locate derives the payload location for identifier.
func (s *Store) Locate(identifier string) (string, bool) {
	return s.locations.ReportLocation(identifier)
}

// Identify maps a location back to its report identifier when the location
// provider supports it.
func (s *Store) Identify(location string) (string, bool) {
	r, ok := s.locations.(IdentifierResolver)
	if !ok {
		return "", false
	}
	id, ok := r.ReportIdentifier(location)
	if !ok {
		return "", false
	}
	// only accept identifiers that round-trip to the same file
	if back, ok := s.Locate(id); !ok || back != filepath.Clean(location) {
		return "", false
	}
	return id, true
}

func (s *Store) ensureDir(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.MkdirAll(dir, 0o755)
}

// Persist writes payload to the location derived from identifier. The write
// goes through a temporary file and a rename, so a failure never leaves a
// partial payload at the final location.
func (s *Store) Persist(identifier string, payload []byte) (string, error) {
	location, ok := s.Locate(identifier)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoLocation, identifier)
	}

	if err := s.write(location, payload); err != nil {
		metrics.RecordStoreError("persist")
		s.logger.Plain().WithReport(identifier).WithLocation(location).WithError(err).Error("failed to persist report")
		return "", fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	s.logger.Plain().WithReport(identifier).WithLocation(location).WithField("bytes", len(payload)).Debug("report persisted")
	return location, nil
}

func (s *Store) write(location string, payload []byte) error {
	dir := filepath.Dir(location)
	if err := s.ensureDir(dir); err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, dir, tempPattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, location); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}

// Remove deletes a stored payload. Failures are logged and otherwise ignored;
// a missing file counts as removed.
func (s *Store) Remove(location string) {
	err := s.fs.Remove(location)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return
	}
	metrics.RecordStoreError("remove")
	s.logger.Plain().WithLocation(location).WithError(err).Error("failed to remove report")
}

// Exists reports whether a payload is present at location.
func (s *Store) Exists(location string) bool {
	ok, err := afero.Exists(s.fs, location)
	return err == nil && ok
}

// ListExisting snapshots the payloads currently in the root directory. The
// returned sequence can be ranged over once; later ranges yield nothing.
func (s *Store) ListExisting() iter.Seq[Entry] {
	entries := s.snapshot()
	var consumed atomic.Bool

	return func(yield func(Entry) bool) {
		if consumed.Swap(true) {
			return
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Len counts the payloads currently stored.
func (s *Store) Len() int {
	return len(s.snapshot())
}

func (s *Store) snapshot() []Entry {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			metrics.RecordStoreError("list")
			s.logger.Plain().WithLocation(s.root).WithError(err).Error("failed to list reports")
		}
		return nil
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if !fi.Mode().IsRegular() || strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		entries = append(entries, Entry{
			Location:  filepath.Join(s.root, fi.Name()),
			CreatedAt: fi.ModTime(),
		})
	}
	return entries
}
