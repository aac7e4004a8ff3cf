package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/logging"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	var buf bytes.Buffer
	opts = append([]Option{WithFs(fs), WithLogger(logging.NewWithWriter("test", &buf))}, opts...)
	return New("/spool/wells", opts...), fs
}

func TestPersistWritesPayload(t *testing.T) {
	s, fs := newTestStore(t)

	loc, err := s.Persist("abc-123", []byte("abc"))
	if err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	if want := filepath.Join("/spool/wells", "abc-123.wellsdata"); loc != want {
		t.Errorf("Persist() location = %q, want %q", loc, want)
	}

	got, err := afero.ReadFile(fs, loc)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("payload = %q, want %q", got, "abc")
	}
	if !s.Exists(loc) {
		t.Error("Exists() = false after Persist()")
	}
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	s, fs := newTestStore(t)

	if _, err := s.Persist("one", []byte("1")); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	infos, err := afero.ReadDir(fs, "/spool/wells")
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "one.wellsdata" {
		names := []string{}
		for _, fi := range infos {
			names = append(names, fi.Name())
		}
		t.Errorf("directory contents = %v, want [one.wellsdata]", names)
	}
}

func TestPersistWriteFailure(t *testing.T) {
	ro := afero.NewReadOnlyFs(afero.NewMemMapFs())
	var buf bytes.Buffer
	s := New("/spool/wells", WithFs(ro), WithLogger(logging.NewWithWriter("test", &buf)))

	loc, err := s.Persist("abc", []byte("abc"))
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Persist() error = %v, want ErrWriteFailed", err)
	}
	if loc != "" {
		t.Errorf("Persist() location = %q, want empty on failure", loc)
	}
	if !bytes.Contains(buf.Bytes(), []byte("failed to persist report")) {
		t.Errorf("expected failure to be logged, got %s", buf.String())
	}
}

func TestPersistNoLocation(t *testing.T) {
	s, _ := newTestStore(t, WithLocationProvider(LocationFunc(func(string) (string, bool) {
		return "", false
	})))

	if _, err := s.Persist("abc", []byte("x")); !errors.Is(err, ErrNoLocation) {
		t.Errorf("Persist() error = %v, want ErrNoLocation", err)
	}
}

func TestPersistConcurrentDirectoryCreation(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Persist(string(rune('a'+i)), []byte{byte(i)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Persist() error: %v", err)
	}
	if n := s.Len(); n != 20 {
		t.Errorf("Len() = %d, want 20", n)
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)

	loc, err := s.Persist("gone", []byte("x"))
	if err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	s.Remove(loc)
	if s.Exists(loc) {
		t.Error("payload still present after Remove()")
	}

	// removing again is a no-op
	s.Remove(loc)
}

func TestRemoveFailureIsLoggedNotReturned(t *testing.T) {
	base := afero.NewMemMapFs()
	if err := afero.WriteFile(base, "/spool/wells/stuck.wellsdata", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	s := New("/spool/wells", WithFs(afero.NewReadOnlyFs(base)), WithLogger(logging.NewWithWriter("test", &buf)))

	s.Remove("/spool/wells/stuck.wellsdata")

	if !bytes.Contains(buf.Bytes(), []byte("failed to remove report")) {
		t.Errorf("expected remove failure to be logged, got %q", buf.String())
	}
}

func TestListExisting(t *testing.T) {
	s, fs := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Persist(id, []byte(id)); err != nil {
			t.Fatalf("Persist(%q) error: %v", id, err)
		}
	}
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := fs.Chtimes("/spool/wells/b.wellsdata", old, old); err != nil {
		t.Fatal(err)
	}
	// leftovers that are not reports
	_ = afero.WriteFile(fs, "/spool/wells/.wells-123.tmp", []byte("partial"), 0o600)
	_ = fs.MkdirAll("/spool/wells/nested", 0o755)

	seen := map[string]time.Time{}
	for e := range s.ListExisting() {
		seen[e.Location] = e.CreatedAt
	}

	if len(seen) != 3 {
		t.Fatalf("ListExisting() returned %d entries, want 3: %v", len(seen), seen)
	}
	if got := seen["/spool/wells/b.wellsdata"]; !got.Equal(old) {
		t.Errorf("CreatedAt for b = %v, want %v", got, old)
	}
}

func TestListExistingIsOneShot(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Persist("a", []byte("a")); err != nil {
		t.Fatal(err)
	}

	seq := s.ListExisting()
	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != 1 || second != 0 {
		t.Errorf("first pass = %d, second pass = %d; want 1 and 0", first, second)
	}
}

func TestListExistingMissingRoot(t *testing.T) {
	s, _ := newTestStore(t)
	for e := range s.ListExisting() {
		t.Errorf("unexpected entry %v", e)
	}
	if s.Len() != 0 {
		t.Error("Len() on missing root should be 0")
	}
}

func TestLocationProviders(t *testing.T) {
	tests := []struct {
		name     string
		provider LocationProvider
		id       string
		want     string
		wantOK   bool
	}{
		{name: "identifier with extension", provider: IdentifierExtension{Dir: "/r", Extension: "wellsdata"}, id: "x", want: "/r/x.wellsdata", wantOK: true},
		{name: "extension with leading dot", provider: IdentifierExtension{Dir: "/r", Extension: ".gz"}, id: "x", want: "/r/x.gz", wantOK: true},
		{name: "no extension", provider: IdentifierExtension{Dir: "/r"}, id: "x", want: "/r/x", wantOK: true},
		{name: "filename identifier", provider: FilenameIdentifier{Dir: "/r"}, id: "x", want: "/r/x", wantOK: true},
		{name: "empty identifier", provider: FilenameIdentifier{Dir: "/r"}, id: "", wantOK: false},
		{name: "path traversal", provider: IdentifierExtension{Dir: "/r", Extension: "d"}, id: "../etc/passwd", wantOK: false},
		{name: "hidden name", provider: FilenameIdentifier{Dir: "/r"}, id: ".hidden", wantOK: false},
		{name: "missing dir", provider: IdentifierExtension{Extension: "d"}, id: "x", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.provider.ReportLocation(tt.id)
			if ok != tt.wantOK {
				t.Fatalf("ReportLocation(%q) ok = %v, want %v", tt.id, ok, tt.wantOK)
			}
			if ok && got != filepath.FromSlash(tt.want) {
				t.Errorf("ReportLocation(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name     string
		provider LocationProvider
		location string
		want     string
		wantOK   bool
	}{
		{name: "extension layout", provider: IdentifierExtension{Dir: "/r", Extension: "wellsdata"}, location: "/r/abc.wellsdata", want: "abc", wantOK: true},
		{name: "wrong extension", provider: IdentifierExtension{Dir: "/r", Extension: "wellsdata"}, location: "/r/abc.txt", wantOK: false},
		{name: "other directory", provider: IdentifierExtension{Dir: "/r", Extension: "wellsdata"}, location: "/elsewhere/abc.wellsdata", wantOK: false},
		{name: "filename layout", provider: FilenameIdentifier{Dir: "/r"}, location: "/r/abc", want: "abc", wantOK: true},
		{name: "temp file", provider: FilenameIdentifier{Dir: "/r"}, location: "/r/.wells-1.tmp", wantOK: false},
		{name: "provider without resolver", provider: LocationFunc(func(id string) (string, bool) { return "/r/" + id, true }), location: "/r/abc", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("/r", WithFs(afero.NewMemMapFs()), WithLocationProvider(tt.provider))
			got, ok := s.Identify(filepath.FromSlash(tt.location))
			if ok != tt.wantOK {
				t.Fatalf("Identify(%q) ok = %v, want %v", tt.location, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Identify(%q) = %q, want %q", tt.location, got, tt.want)
			}
		})
	}
}
