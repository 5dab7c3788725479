//go:build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/migrate"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

func startPostgres(t *testing.T) string {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "gatehouse",
			"POSTGRES_PASSWORD": "gatehouse",
			"POSTGRES_DB":       "gatehouse",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://gatehouse:gatehouse@%s:%s/gatehouse?sslmode=disable", host, port.Port())
}

func openMigrated(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := startPostgres(t)
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	migrations, seeds := migrate.Embedded()
	if err := migrate.NewManager(st.DB(), migrations, seeds).Up(context.Background()); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return st, dsn
}

func TestIntegrationConditionalUpdateSingleWinner(t *testing.T) {
	st, _ := openMigrated(t)
	ctx := context.Background()

	doc, err := st.Create(ctx, "visitor_entries", docstore.Document{Fields: docstore.Fields{"status": "pending"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ConditionalUpdate(ctx, "visitor_entries", doc.ID,
				docstore.Fields{"status": "pending"}, docstore.Fields{"status": "approved"})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			if !errors.Is(err, docstore.ErrPreconditionFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected one winner, got %d", applied)
	}
}

func TestIntegrationActiveTokenUniqueness(t *testing.T) {
	st, _ := openMigrated(t)
	ctx := context.Background()

	pass := docstore.Fields{"society_id": "soc-1", "token": "482913", "status": "active"}
	if _, err := st.Create(ctx, "gate_passes", docstore.Document{Fields: pass}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(ctx, "gate_passes", docstore.Document{Fields: pass}); !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate active token, got %v", err)
	}
}

func TestIntegrationAtomicallySerialisesKey(t *testing.T) {
	st, _ := openMigrated(t)
	ctx := context.Background()
	const key = "facility_bookings/hall-1/2024-06-01"

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Atomically(ctx, key, func(ctx context.Context, tx docstore.Tx) error {
				existing, err := tx.Query(ctx, "facility_bookings", docstore.Where(docstore.Eq("facility_id", "hall-1")))
				if err != nil {
					return err
				}
				if len(existing) > 0 {
					return nil
				}
				if _, err := tx.Create(ctx, "facility_bookings", docstore.Document{Fields: docstore.Fields{"facility_id": "hall-1"}}); err != nil {
					return err
				}
				mu.Lock()
				created++
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Atomically: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one insert under the advisory lock, got %d", created)
	}
}

func TestIntegrationSubscribeFollowsNotify(t *testing.T) {
	st, dsn := openMigrated(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(dsn, st.Hub())
	go listener.Run(ctx)
	select {
	case <-listener.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("listener never connected")
	}

	sub, err := st.Subscribe(ctx, "gate_passes", docstore.Where(docstore.Eq("society_id", "soc-9")))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()
	if first := <-sub.C(); len(first.Docs) != 0 {
		t.Fatalf("expected empty first snapshot, got %d", len(first.Docs))
	}

	if _, err := st.Create(ctx, "gate_passes", docstore.Document{Fields: docstore.Fields{"society_id": "soc-9", "status": "active", "token": "111111"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap := <-sub.C():
			if len(snap.Docs) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("notification never reached the subscription")
		}
	}
}
