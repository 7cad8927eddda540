package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/malloy/porter/internal/plugin"
)

// Compile-time check that SQLiteEngine implements the retrieval capability.
var _ plugin.Retrieval = (*SQLiteEngine)(nil)

// SQLiteEngine is the persistent retrieval backend. Documents live in the
// documents table and are scored in Go with the same coverage-ratio pass
// as the memory engine, so both backends are interchangeable behind the
// plugin contract.
type SQLiteEngine struct {
	db *sql.DB
}

// NewSQLiteEngine wraps an existing *sql.DB for document operations.
// The documents table must already exist (created via migrations).
func NewSQLiteEngine(db *sql.DB) *SQLiteEngine {
	return &SQLiteEngine{db: db}
}

// Index appends documents, or replaces the whole set when replace is set.
// A document whose id is already indexed is updated in place, so
// re-indexing the same chunked source refreshes content instead of
// accumulating duplicates. The memory engine applies the same rule.
func (e *SQLiteEngine) Index(ctx context.Context, docs []plugin.Document, replace bool) plugin.Result[plugin.IndexStats] {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return plugin.Err[plugin.IndexStats]("beginning index transaction: " + err.Error())
	}

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
			tx.Rollback()
			return plugin.Err[plugin.IndexStats]("clearing documents: " + err.Error())
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, text, source, meta, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text, source = excluded.source, meta = excluded.meta`)
	if err != nil {
		tx.Rollback()
		return plugin.Err[plugin.IndexStats]("preparing insert: " + err.Error())
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range docs {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		meta := "{}"
		if d.Meta != nil {
			if b, err := json.Marshal(d.Meta); err == nil {
				meta = string(b)
			}
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Text, d.Source, meta, now); err != nil {
			tx.Rollback()
			return plugin.Err[plugin.IndexStats]("inserting document " + d.ID + ": " + err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return plugin.Err[plugin.IndexStats]("committing index: " + err.Error())
	}

	var total int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return plugin.Err[plugin.IndexStats]("counting documents: " + err.Error())
	}
	return plugin.Ok(plugin.IndexStats{Indexed: len(docs), Total: total})
}

// Search loads all documents in insertion order and runs the shared
// scoring pass. Brute-force is fine at this scale; the table is small and
// read-mostly.
func (e *SQLiteEngine) Search(ctx context.Context, query string, maxResults int) plugin.Result[[]plugin.SearchSnippet] {
	docs, err := e.loadAll(ctx)
	if err != nil {
		return plugin.Err[[]plugin.SearchSnippet]("loading documents: " + err.Error())
	}
	return plugin.Ok(scoreDocuments(docs, query, maxResults))
}

// Status reports document count and engine identity.
func (e *SQLiteEngine) Status(ctx context.Context) plugin.Result[plugin.EngineStatus] {
	var count int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return plugin.Err[plugin.EngineStatus]("counting documents: " + err.Error())
	}
	return plugin.Ok(plugin.EngineStatus{
		Indexed:  count > 0,
		DocCount: count,
		Engine:   "sqlite",
	})
}

func (e *SQLiteEngine) loadAll(ctx context.Context) ([]plugin.Document, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id, text, source, meta FROM documents ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []plugin.Document
	for rows.Next() {
		var d plugin.Document
		var meta string
		if err := rows.Scan(&d.ID, &d.Text, &d.Source, &meta); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			json.Unmarshal([]byte(meta), &d.Meta)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
