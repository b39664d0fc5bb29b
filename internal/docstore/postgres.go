package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps every document as a jsonb row of the documents table.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type documentRow struct {
	ID         string `db:"id"`
	Collection string `db:"collection"`
	Data       []byte `db:"data"`
}

func (r documentRow) document() (Document, error) {
	data := map[string]interface{}{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return Document{}, fmt.Errorf("decode %s/%s: %w", r.Collection, r.ID, err)
		}
	}
	return Document{ID: r.ID, Collection: r.Collection, Data: data}, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if !validPath(collection) {
		return Document{}, ErrInvalidPath
	}
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT id, collection, data FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return row.document()
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if !validPath(collection) {
		return nil, ErrInvalidPath
	}
	return s.query(ctx, "collection", collection, filters)
}

func (s *PostgresStore) QueryGroup(ctx context.Context, group string, filters ...Filter) ([]Document, error) {
	return s.query(ctx, "collection_group", group, filters)
}

func (s *PostgresStore) query(ctx context.Context, scopeColumn, scope string, filters []Filter) ([]Document, error) {
	values, err := normalizeFilters(filters)
	if err != nil {
		return nil, err
	}
	where, args, err := compileFilters(filters, values, []interface{}{scope})
	if err != nil {
		return nil, err
	}
	query := `SELECT id, collection, data FROM documents WHERE ` + scopeColumn + ` = $1` + where + ` ORDER BY collection, id`
	rows := []documentRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// compileFilters turns filters into SQL conditions over the jsonb column.
// Field names are always bound as parameters.
func compileFilters(filters []Filter, values []interface{}, args []interface{}) (string, []interface{}, error) {
	var b strings.Builder
	next := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	for i, f := range filters {
		value := values[i]
		field := next(f.Field) + "::text"
		switch f.Op {
		case OpExists:
			fmt.Fprintf(&b, " AND COALESCE(jsonb_typeof(data -> %s), 'null') <> 'null'", field)
		case OpEq:
			raw, err := json.Marshal(value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND data -> %s = %s::jsonb", field, next(string(raw)))
		case OpLt, OpLte, OpGt, OpGte:
			op := string(f.Op)
			switch v := value.(type) {
			case float64:
				fmt.Fprintf(&b, " AND (CASE WHEN jsonb_typeof(data -> %s) = 'number' THEN (data ->> %s)::float8 END) %s %s",
					field, field, op, next(v))
			case string:
				fmt.Fprintf(&b, " AND (CASE WHEN jsonb_typeof(data -> %s) = 'string' THEN data ->> %s END) COLLATE \"C\" %s %s",
					field, field, op, next(v))
			default:
				return "", nil, fmt.Errorf("docstore: range filter on %s needs a number, string or time", f.Field)
			}
		case OpArrayContains:
			raw, err := json.Marshal([]interface{}{value})
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND jsonb_typeof(data -> %s) = 'array' AND data -> %s @> %s::jsonb", field, field, next(string(raw)))
		case OpIn:
			raw, err := json.Marshal(value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND data -> %s IN (SELECT jsonb_array_elements(%s::jsonb))", field, next(string(raw)))
		}
	}
	return b.String(), args, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.commit(ctx, []write{{kind: writeSet, collection: collection, id: id, data: data}})
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return s.commit(ctx, []write{{kind: writeUpdate, collection: collection, id: id, data: fields}})
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	return s.commit(ctx, []write{{kind: writeDelete, collection: collection, id: id}})
}

func (s *PostgresStore) NewBatch() Batch {
	return &postgresBatch{store: s}
}

func (s *PostgresStore) commit(ctx context.Context, writes []write) error {
	if err := checkWrites(writes); err != nil {
		return err
	}
	now := s.now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err := applyWrite(ctx, tx, w, now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func applyWrite(ctx context.Context, tx *sqlx.Tx, w write, now time.Time) error {
	switch w.kind {
	case writeDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, w.collection, w.id)
		return err
	case writeSet:
		data, err := normalizeData(w.data, now, false)
		if err != nil {
			return err
		}
		return upsert(ctx, tx, w.collection, w.id, data, now)
	default:
		fields, err := normalizeData(w.data, now, true)
		if err != nil {
			return err
		}
		var raw []byte
		err = tx.GetContext(ctx, &raw, `SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, w.collection, w.id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current := map[string]interface{}{}
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
		for key, value := range fields {
			if value == DeleteField {
				delete(current, key)
				continue
			}
			current[key] = value
		}
		return upsert(ctx, tx, w.collection, w.id, current, now)
	}
}

func upsert(ctx context.Context, tx *sqlx.Tx, collection, id string, data map[string]interface{}, now time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (collection, id, collection_group, data, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $5)
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
`, collection, id, Group(collection), string(raw), now)
	return err
}

type postgresBatch struct {
	store  *PostgresStore
	writes []write
}

func (b *postgresBatch) Set(collection, id string, data map[string]interface{}) {
	b.writes = append(b.writes, write{kind: writeSet, collection: collection, id: id, data: data})
}

func (b *postgresBatch) Update(collection, id string, fields map[string]interface{}) {
	b.writes = append(b.writes, write{kind: writeUpdate, collection: collection, id: id, data: fields})
}

func (b *postgresBatch) Delete(collection, id string) {
	b.writes = append(b.writes, write{kind: writeDelete, collection: collection, id: id})
}

func (b *postgresBatch) Len() int { return len(b.writes) }

func (b *postgresBatch) Commit(ctx context.Context) error {
	return b.store.commit(ctx, b.writes)
}
