package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/ids"
	"gatehouse.org/internal/stream"
)

// Store keeps documents in a single jsonb table keyed by (collection, id).
type Store struct {
	db  *sql.DB
	hub *stream.Hub
}

var _ docstore.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, hub: stream.New()}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Hub is fed by a Listener; subscriptions re-query on its signals.
func (s *Store) Hub() *stream.Hub { return s.hub }

func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx))
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	return get(ctx, s.db, collection, id)
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	return query(ctx, s.db, collection, q)
}

func (s *Store) Create(ctx context.Context, collection string, doc docstore.Document) (docstore.Document, error) {
	return create(ctx, s.db, collection, doc)
}

func (s *Store) ConditionalUpdate(ctx context.Context, collection, id string, expected, patch docstore.Fields) (docstore.Document, error) {
	return conditionalUpdate(ctx, s.db, collection, id, expected, patch)
}

func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query) (*docstore.Subscription, error) {
	if !docstore.ValidCollection(collection) {
		return nil, fmt.Errorf("%w: collection %q", docstore.ErrInvalidQuery, collection)
	}
	return docstore.Watch(ctx, s, s.hub, collection, q)
}

// Atomically runs fn in one transaction holding a transaction-scoped advisory lock
// derived from key.
func (s *Store) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx docstore.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return mapErr(fmt.Errorf("lock %s: %w", key, err))
	}
	if err := fn(ctx, &txView{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("commit %s: %w", key, err))
	}
	return nil
}

type txView struct {
	tx *sql.Tx
}

func (v *txView) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	return get(ctx, v.tx, collection, id)
}

func (v *txView) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	return query(ctx, v.tx, collection, q)
}

func (v *txView) Create(ctx context.Context, collection string, doc docstore.Document) (docstore.Document, error) {
	return create(ctx, v.tx, collection, doc)
}

func (v *txView) ConditionalUpdate(ctx context.Context, collection, id string, expected, patch docstore.Fields) (docstore.Document, error) {
	return conditionalUpdate(ctx, v.tx, collection, id, expected, patch)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `select id, body, version, created_at, updated_at from documents`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (docstore.Document, error) {
	var (
		doc  docstore.Document
		body []byte
	)
	if err := row.Scan(&doc.ID, &body, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return docstore.Document{}, err
	}
	if err := json.Unmarshal(body, &doc.Fields); err != nil {
		return docstore.Document{}, fmt.Errorf("decode body of %s: %w", doc.ID, err)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func get(ctx context.Context, q queryer, collection, id string) (docstore.Document, error) {
	row := q.QueryRowContext(ctx, selectColumns+` where collection = $1 and id = $2`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, mapErr(err)
	}
	return doc, nil
}

func query(ctx context.Context, q queryer, collection string, dq docstore.Query) ([]docstore.Document, error) {
	stmt, args, err := buildQuery(collection, dq)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	docs := []docstore.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return docs, nil
}

// buildQuery renders a docstore query. Equality filters fold into one containment
// test so the jsonb_path_ops index serves them.
func buildQuery(collection string, dq docstore.Query) (string, []any, error) {
	if !docstore.ValidCollection(collection) {
		return "", nil, fmt.Errorf("%w: collection %q", docstore.ErrInvalidQuery, collection)
	}
	if err := dq.Validate(); err != nil {
		return "", nil, err
	}

	var (
		sb   strings.Builder
		args = []any{collection}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	sb.WriteString(selectColumns)
	sb.WriteString(` where collection = $1`)

	contains := map[string]any{}
	for _, f := range dq.Filters {
		switch f.Op {
		case docstore.OpEq:
			contains[f.Field] = f.Value
		case docstore.OpIn:
			values, err := json.Marshal(f.Value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %v", docstore.ErrInvalidQuery, err)
			}
			fmt.Fprintf(&sb, ` and body -> %s::text in (select jsonb_array_elements(%s::jsonb))`, arg(f.Field), arg(string(values)))
		}
	}
	if len(contains) > 0 {
		raw, err := json.Marshal(contains)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", docstore.ErrInvalidQuery, err)
		}
		fmt.Fprintf(&sb, ` and body @> %s::jsonb`, arg(string(raw)))
	}

	sb.WriteString(` order by `)
	for _, s := range dq.Sort {
		switch s.Field {
		case docstore.FieldCreatedAt:
			sb.WriteString(`created_at`)
		case docstore.FieldUpdatedAt:
			sb.WriteString(`updated_at`)
		default:
			fmt.Fprintf(&sb, `body -> %s::text`, arg(s.Field))
		}
		if s.Desc {
			sb.WriteString(` desc`)
		}
		sb.WriteString(`, `)
	}
	sb.WriteString(`id`)

	if dq.Limit > 0 {
		fmt.Fprintf(&sb, ` limit %d`, dq.Limit)
	}
	return sb.String(), args, nil
}

func create(ctx context.Context, q queryer, collection string, doc docstore.Document) (docstore.Document, error) {
	if !docstore.ValidCollection(collection) {
		return docstore.Document{}, fmt.Errorf("%w: collection %q", docstore.ErrInvalidQuery, collection)
	}
	if doc.ID == "" {
		doc.ID = ids.New()
	}
	fields, err := docstore.Normalize(doc.Fields)
	if err != nil {
		return docstore.Document{}, err
	}
	fields["id"] = doc.ID
	body, err := json.Marshal(fields)
	if err != nil {
		return docstore.Document{}, err
	}

	row := q.QueryRowContext(ctx, `
		insert into documents (collection, id, body, version, created_at, updated_at)
		values ($1, $2, $3::jsonb, 1, now(), now())
		returning id, body, version, created_at, updated_at
	`, collection, doc.ID, string(body))
	stored, err := scanDocument(row)
	if err != nil {
		return docstore.Document{}, mapErr(err)
	}
	return stored, nil
}

func conditionalUpdate(ctx context.Context, q queryer, collection, id string, expected, patch docstore.Fields) (docstore.Document, error) {
	if err := docstore.CheckPatch(patch); err != nil {
		return docstore.Document{}, err
	}
	want, err := docstore.Normalize(expected)
	if err != nil {
		return docstore.Document{}, err
	}
	p, err := docstore.Normalize(patch)
	if err != nil {
		return docstore.Document{}, err
	}
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return docstore.Document{}, err
	}
	patchJSON, err := json.Marshal(p)
	if err != nil {
		return docstore.Document{}, err
	}

	row := q.QueryRowContext(ctx, `
		update documents
		   set body = body || $4::jsonb, version = version + 1, updated_at = now()
		 where collection = $1 and id = $2 and body @> $3::jsonb
		returning id, body, version, created_at, updated_at
	`, collection, id, string(wantJSON), string(patchJSON))
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, mapErr(err)
	}

	var exists bool
	if err := q.QueryRowContext(ctx,
		`select exists(select 1 from documents where collection = $1 and id = $2)`,
		collection, id).Scan(&exists); err != nil {
		return docstore.Document{}, mapErr(err)
	}
	if !exists {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrPreconditionFailed)
}

// mapErr translates driver failures into docstore sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
		}
		return err
	}
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
