package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/opi.server/internal/httputil"
	"github.com/banshee-data/opi.server/internal/monitoring"
)

// AttachAdminRoutes mounts the journal on the /debug/ pages: live SQL through
// tailsql, a JSON view of sessions and their commands, and a gzipped backup.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Log.Error().Err(err).Msg("failed to create tailsql server")
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
			Label: "OPI session journal",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.HandleFunc("journal", "Journaled sessions; ?session=<id> lists its commands", db.handleJournal)
	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(db.handleBackup))
}

func (db *DB) handleJournal(w http.ResponseWriter, r *http.Request) {
	var (
		v   any
		err error
	)
	if id := r.URL.Query().Get("session"); id != "" {
		v, err = db.Commands(id)
	} else {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		v, err = db.Sessions(limit)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("query journal: %v", err))
		return
	}
	httputil.WriteJSONOK(w, v)
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "opi-journal-backup")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("journal-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Log.Warn().Err(err).Msg("stream journal backup")
	}
}
