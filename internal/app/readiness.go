package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Pinger is the health probe of the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness answers /readyz by probing the database and verifying the
// storage root is writable. /healthz stays a pure liveness check.
type Readiness struct {
	DB         Pinger
	StorageDir string
}

// NewReadiness constructs a Readiness probe.
func NewReadiness(db Pinger, storageDir string) *Readiness {
	return &Readiness{DB: db, StorageDir: storageDir}
}

type readyStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler returns the /readyz handler.
func (rd *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks := map[string]string{"db": "ok", "storage": "ok"}
		ok := true
		if rd.DB != nil {
			if err := rd.DB.Ping(ctx); err != nil {
				checks["db"] = err.Error()
				ok = false
			}
		}
		if err := checkWritable(rd.StorageDir); err != nil {
			checks["storage"] = err.Error()
			ok = false
		}
		status := readyStatus{Status: "ready", Checks: checks}
		code := http.StatusOK
		if !ok {
			status.Status = "not ready"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".readyz-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
