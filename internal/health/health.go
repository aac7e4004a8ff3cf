package health

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Store    bool   `json:"store"`
	Database bool   `json:"database,omitempty"`
	Pending  int    `json:"pending"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Checker struct {
	Fs      afero.Fs
	Dir     string
	DB      Pinger     // optional
	Pending func() int // optional
}

// Check verifies that the payload directory accepts writes and, when a
// database is configured, that it answers a ping.
func (c Checker) Check(ctx context.Context) Status {
	st := Status{OK: true, Message: "ok", Store: true}

	if err := probeWritable(c.Fs, c.Dir); err != nil {
		st.OK = false
		st.Store = false
		st.Message = "store not writable"
	}

	if c.DB != nil {
		pctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if err := c.DB.Ping(pctx); err != nil {
			st.OK = false
			st.Message = "db ping failed"
		} else {
			st.Database = true
		}
	}

	if c.Pending != nil {
		st.Pending = c.Pending()
	}
	return st
}

func probeWritable(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".healthz-"+uuid.NewString())
	if err := afero.WriteFile(fs, probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return fs.Remove(probe)
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
