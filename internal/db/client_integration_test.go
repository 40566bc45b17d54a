package db

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/saviobatista/obu-tracker/internal/db/migrations"
	"github.com/saviobatista/obu-tracker/internal/stats"
	"github.com/saviobatista/obu-tracker/internal/types"
)

func TestClient_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:14-alpine",
		postgres.WithDatabase("obu_tracker"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get PostgreSQL connection string: %v", err)
	}

	client, err := New(connStr)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if _, err := migrations.New(client.db).Migrate(migrations.All); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	first := time.Now().UTC().Truncate(time.Millisecond)
	if err := client.UpsertEntity("obu-1", types.Position{Latitude: 40.64, Longitude: -8.65}, first); err != nil {
		t.Fatalf("UpsertEntity() error = %v", err)
	}
	if err := client.UpsertEntity("obu-1", types.Position{Latitude: 40.65, Longitude: -8.66}, first.Add(time.Second)); err != nil {
		t.Fatalf("UpsertEntity() error = %v", err)
	}

	entities, err := client.GetEntities()
	if err != nil {
		t.Fatalf("GetEntities() error = %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(entities))
	}
	e := entities[0]
	if e.MessageCount != 2 || e.LastLatitude != 40.65 || !e.FirstSeen.Equal(first) {
		t.Errorf("Unexpected entity: %+v", e)
	}

	s := stats.New("session-it")
	s.IncrementTotalMessages()
	s.IncrementRejected("malformed_json")
	s.SetPersister(client)
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	snapshots, err := client.GetSystemStats(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetSystemStats() error = %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].RejectReasons["malformed_json"] != 1 {
		t.Errorf("Unexpected snapshots: %+v", snapshots)
	}
}
