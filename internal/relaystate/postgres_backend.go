package relaystate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

const (
	postgresWorkspaceTableName = "relaystate_workspaces"
	postgresMetaTableName      = "relaystate_meta"
	postgresMetaKey            = "default"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one row per workspace plus a metadata row for
// the revision counter. Save only rewrites workspaces whose revision moved
// since the last successful save.
type PostgresStateBackend struct {
	dsn            string
	workspaceTable string
	metaTable      string
	metaKey        string
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu        sync.Mutex
	savedRevs map[string]string
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:            dsn,
		workspaceTable: postgresWorkspaceTableName,
		metaTable:      postgresMetaTableName,
		metaKey:        postgresMetaKey,
		openDB:         sql.Open,
		savedRevs:      map[string]string{},
	}, nil
}

func (b *PostgresStateBackend) Load(ctx context.Context) (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}

	state := &persistedState{Workspaces: map[string]*Document{}}
	metaQuery := fmt.Sprintf("SELECT rev_counter FROM %s WHERE meta_key = $1", postgresQuoteIdentifier(b.metaTable))
	err := b.db.QueryRowContext(ctx, metaQuery, b.metaKey).Scan(&state.RevCounter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rowsQuery := fmt.Sprintf("SELECT workspace_id, revision, updated_at, updated_by, data FROM %s", postgresQuoteIdentifier(b.workspaceTable))
	rows, err := b.db.QueryContext(ctx, rowsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	saved := map[string]string{}
	for rows.Next() {
		var id, data string
		doc := &Document{}
		if err := rows.Scan(&id, &doc.Revision, &doc.UpdatedAt, &doc.UpdatedBy, &data); err != nil {
			return nil, err
		}
		doc.Data = []byte(data)
		state.Workspaces[id] = doc
		saved[id] = doc.Revision
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.savedRevs = saved
	b.mu.Unlock()
	return state, nil
}

func (b *PostgresStateBackend) Save(ctx context.Context, state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	metaQuery := fmt.Sprintf(`
		INSERT INTO %s (meta_key, rev_counter, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (meta_key)
		DO UPDATE SET rev_counter = EXCLUDED.rev_counter, updated_at = NOW()`, postgresQuoteIdentifier(b.metaTable))
	if _, err := tx.ExecContext(ctx, metaQuery, b.metaKey, state.RevCounter); err != nil {
		return err
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, revision, updated_at, updated_by, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id)
		DO UPDATE SET revision = EXCLUDED.revision, updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by, data = EXCLUDED.data`, postgresQuoteIdentifier(b.workspaceTable))
	written := map[string]string{}
	for id, doc := range state.Workspaces {
		if doc == nil || b.savedRevs[id] == doc.Revision {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsert, id, doc.Revision, doc.UpdatedAt, doc.UpdatedBy, string(doc.Data)); err != nil {
			return fmt.Errorf("save workspace %s: %w", id, err)
		}
		written[id] = doc.Revision
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	for id, rev := range written {
		b.savedRevs[id] = rev
	}
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					meta_key TEXT PRIMARY KEY,
					rev_counter BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(b.metaTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					workspace_id TEXT PRIMARY KEY,
					revision TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					updated_by TEXT NOT NULL DEFAULT '',
					data TEXT NOT NULL
				)`, postgresQuoteIdentifier(b.workspaceTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
