package pg

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"gatehouse.org/internal/docstore"
)

var docColumns = []string{"id", "body", "version", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreateInsertsBodyWithID(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into documents").
		WithArgs("visitor_entries", "v-1", `{"id":"v-1","status":"pending"}`).
		WillReturnRows(sqlmock.NewRows(docColumns).
			AddRow("v-1", []byte(`{"id":"v-1","status":"pending"}`), 1, now, now))

	doc, err := st.Create(context.Background(), "visitor_entries", docstore.Document{
		ID:     "v-1",
		Fields: docstore.Fields{"status": "pending"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.Version != 1 || doc.Fields["status"] != "pending" || !doc.CreatedAt.Equal(now) {
		t.Fatalf("unexpected document %+v", doc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("insert into documents").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "gate_passes_active_token"})

	_, err := st.Create(context.Background(), "gate_passes", docstore.Document{Fields: docstore.Fields{"token": "482913"}})
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if !strings.Contains(err.Error(), "gate_passes_active_token") {
		t.Fatalf("expected constraint name in error, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("select id, body, version, created_at, updated_at from documents where collection = \\$1 and id = \\$2").
		WithArgs("gate_passes", "missing").
		WillReturnRows(sqlmock.NewRows(docColumns))

	_, err := st.Get(context.Background(), "gate_passes", "missing")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalUpdateOutcomes(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	update := regexp.QuoteMeta("update documents")
	exists := regexp.QuoteMeta("select exists(select 1 from documents")

	t.Run("applied", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(update).
			WithArgs("visitor_entries", "v-1", `{"status":"pending"}`, `{"status":"approved"}`).
			WillReturnRows(sqlmock.NewRows(docColumns).
				AddRow("v-1", []byte(`{"id":"v-1","status":"approved"}`), 2, now, now))

		doc, err := st.ConditionalUpdate(context.Background(), "visitor_entries", "v-1",
			docstore.Fields{"status": "pending"}, docstore.Fields{"status": "approved"})
		if err != nil {
			t.Fatalf("ConditionalUpdate: %v", err)
		}
		if doc.Version != 2 || doc.Fields["status"] != "approved" {
			t.Fatalf("unexpected document %+v", doc)
		}
	})

	t.Run("precondition failed", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows(docColumns))
		mock.ExpectQuery(exists).WithArgs("visitor_entries", "v-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := st.ConditionalUpdate(context.Background(), "visitor_entries", "v-1",
			docstore.Fields{"status": "pending"}, docstore.Fields{"status": "denied"})
		if !errors.Is(err, docstore.ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows(docColumns))
		mock.ExpectQuery(exists).WithArgs("visitor_entries", "v-9").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := st.ConditionalUpdate(context.Background(), "visitor_entries", "v-9",
			docstore.Fields{"status": "pending"}, docstore.Fields{"status": "denied"})
		if !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestBuildQuery(t *testing.T) {
	q := docstore.Where(
		docstore.Eq("facility_id", "hall-1"),
		docstore.Eq("date", "2024-06-01"),
		docstore.In("status", "pending", "confirmed"),
	).OrderBy(docstore.Asc("start"), docstore.Desc(docstore.FieldCreatedAt)).Take(50)

	stmt, args, err := buildQuery("facility_bookings", q)
	if err != nil {
		t.Fatalf("buildQuery: %v", err)
	}
	want := `select id, body, version, created_at, updated_at from documents where collection = $1` +
		` and body -> $2::text in (select jsonb_array_elements($3::jsonb))` +
		` and body @> $4::jsonb` +
		` order by body -> $5::text, created_at desc, id limit 50`
	if stmt != want {
		t.Fatalf("unexpected statement:\n got %s\nwant %s", stmt, want)
	}
	wantArgs := []any{"facility_bookings", "status", `["pending","confirmed"]`, `{"date":"2024-06-01","facility_id":"hall-1"}`, "start"}
	if len(args) != len(wantArgs) {
		t.Fatalf("unexpected args %v", args)
	}
	for i := range wantArgs {
		if args[i] != wantArgs[i] {
			t.Fatalf("arg %d: got %v want %v", i, args[i], wantArgs[i])
		}
	}

	if _, _, err := buildQuery("bad collection", docstore.Query{}); !errors.Is(err, docstore.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestAtomicallyLocksAndCommits(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock(hashtextextended($1, 0))")).
		WithArgs("facility_bookings/hall-1/2024-06-01").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id, body").WillReturnRows(sqlmock.NewRows(docColumns))
	mock.ExpectQuery("insert into documents").
		WillReturnRows(sqlmock.NewRows(docColumns).
			AddRow("b-1", []byte(`{"id":"b-1","status":"confirmed"}`), 1, now, now))
	mock.ExpectCommit()

	err := st.Atomically(context.Background(), "facility_bookings/hall-1/2024-06-01", func(ctx context.Context, tx docstore.Tx) error {
		existing, err := tx.Query(ctx, "facility_bookings", docstore.Where(docstore.Eq("facility_id", "hall-1")))
		if err != nil {
			return err
		}
		if len(existing) != 0 {
			t.Errorf("expected empty calendar, got %d", len(existing))
		}
		_, err = tx.Create(ctx, "facility_bookings", docstore.Document{ID: "b-1", Fields: docstore.Fields{"status": "confirmed"}})
		return err
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("conflict")

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.Atomically(context.Background(), "k", func(context.Context, docstore.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMapErr(t *testing.T) {
	if err := mapErr(&pgconn.PgError{Code: "57P01"}); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for admin shutdown, got %v", err)
	}
	other := &pgconn.PgError{Code: "22P02"}
	if err := mapErr(other); !errors.Is(err, other) {
		t.Fatalf("expected passthrough, got %v", err)
	}
	if mapErr(nil) != nil {
		t.Fatal("expected nil")
	}
}
