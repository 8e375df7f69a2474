// Package catalog persists MCP discovery snapshots in SQLite. Every
// successful connect records what the server advertised (tools,
// resources, resource templates, prompts) so the last-known catalog of
// a server can be inspected offline, without connecting to it.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/mcp"
)

// Snapshot is one recorded discovery: the server's advertised surface
// at a point in time.
type Snapshot struct {
	ID                string
	Server            string
	Taken             time.Time
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
}

// payload is the JSON blob stored per snapshot row. Counts are also
// stored as columns so summary queries never decode it.
type payload struct {
	Tools             []mcp.Tool             `json:"tools,omitempty"`
	Resources         []mcp.Resource         `json:"resources,omitempty"`
	ResourceTemplates []mcp.ResourceTemplate `json:"resource_templates,omitempty"`
	Prompts           []mcp.Prompt           `json:"prompts,omitempty"`
}

// Open opens (or creates) the catalog database at the given path.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	return db, nil
}

// Store persists discovery snapshots. It implements the connection
// manager's Recorder interface.
type Store struct {
	db *sql.DB
}

// NewStore creates a catalog store over an open database, running
// migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS discovery_snapshots (
		id             TEXT PRIMARY KEY,
		server         TEXT NOT NULL,
		taken_at       TEXT NOT NULL,
		tool_count     INTEGER NOT NULL,
		resource_count INTEGER NOT NULL,
		template_count INTEGER NOT NULL,
		prompt_count   INTEGER NOT NULL,
		payload        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_server ON discovery_snapshots(server, taken_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDiscovery persists one snapshot with a UUIDv7 row id.
func (s *Store) RecordDiscovery(ctx context.Context, snap mcp.DiscoverySnapshot) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate snapshot ID: %w", err)
	}

	taken := snap.Taken
	if taken.IsZero() {
		taken = time.Now()
	}

	blob, err := json.Marshal(payload{
		Tools:             snap.Tools,
		Resources:         snap.Resources,
		ResourceTemplates: snap.ResourceTemplates,
		Prompts:           snap.Prompts,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO discovery_snapshots
			(id, server, taken_at, tool_count, resource_count, template_count, prompt_count, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		snap.Server,
		taken.UTC().Format(time.RFC3339),
		len(snap.Tools),
		len(snap.Resources),
		len(snap.ResourceTemplates),
		len(snap.Prompts),
		string(blob),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Latest returns a server's most recent snapshot, or nil if the server
// was never recorded.
func (s *Store) Latest(ctx context.Context, server string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server, taken_at, payload
		 FROM discovery_snapshots
		 WHERE server = ?
		 ORDER BY taken_at DESC, id DESC
		 LIMIT 1`,
		server,
	)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot for %s: %w", server, err)
	}
	return snap, nil
}

// History returns a server's snapshots newest first, up to limit.
func (s *Store) History(ctx context.Context, server string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server, taken_at, payload
		 FROM discovery_snapshots
		 WHERE server = ?
		 ORDER BY taken_at DESC, id DESC
		 LIMIT ?`,
		server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history for %s: %w", server, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// Servers returns every server name with at least one snapshot, sorted.
func (s *Store) Servers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT server FROM discovery_snapshots ORDER BY server`,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot servers: %w", err)
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		servers = append(servers, name)
	}
	return servers, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*Snapshot, error) {
	var (
		snap    Snapshot
		takenAt string
		blob    string
	)
	if err := r.Scan(&snap.ID, &snap.Server, &takenAt, &blob); err != nil {
		return nil, err
	}

	taken, err := time.Parse(time.RFC3339, takenAt)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot timestamp %q: %w", takenAt, err)
	}
	snap.Taken = taken

	var p payload
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	snap.Tools = p.Tools
	snap.Resources = p.Resources
	snap.ResourceTemplates = p.ResourceTemplates
	snap.Prompts = p.Prompts
	return &snap, nil
}
