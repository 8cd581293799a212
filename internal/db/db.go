package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".jobforge"
	catalogDB    = "jobforge.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .jobforge directory under the workspace root
// and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(rootOrDot(workspace), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace catalog database, creating the workspace
// directory when needed. Foreign keys and a busy timeout are set through
// the DSN so every connection in the pool gets them.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("cache", "shared")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	return sql.Open("sqlite", "file:"+Path(cfg.Workspace)+"?"+q.Encode())
}

// Path returns the catalog database path for a workspace.
func Path(workspace string) string {
	return filepath.Join(rootOrDot(workspace), workspaceDir, catalogDB)
}

func rootOrDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
