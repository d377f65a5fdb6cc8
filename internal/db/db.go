// Package db opens the annexe SQLite store.
package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	stateDir = ".annexe"
	fileName = "annexe.db"
)

// pragmas applied to every connection of the pool.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

type Config struct {
	Workspace string
	// Path overrides the workspace-derived database file.
	Path string
}

// Path is where the database of a workspace lives.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, fileName)
}

// EnsureWorkspace creates the workspace state directory and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

func dsn(file string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	// BEGIN IMMEDIATE: writers queue on the busy timeout instead of failing
	// when a read lock is upgraded.
	q.Set("_txlock", "immediate")
	return "file:" + file + "?" + q.Encode()
}

// Open opens the SQLite database, creating its directory when needed.
func Open(cfg Config) (*sqlx.DB, error) {
	file := cfg.Path
	if file == "" {
		file = Path(cfg.Workspace)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sqlx.Open("sqlite", dsn(file))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return conn, nil
}
