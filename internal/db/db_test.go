package db

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spotlxght/slotrunner/internal/config"
	"github.com/spotlxght/slotrunner/internal/models"
	"github.com/spotlxght/slotrunner/internal/telemetry"
)

func TestConnectMigratesAndRecordsQueryMetrics(t *testing.T) {
	database, err := Connect(&config.Config{
		Environment: "test",
		DBBackend:   config.DatabaseSQLite,
		DBDSN:       "file::memory:",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	venue := models.User{ID: "venue-1", Name: "Blue Room", Email: "venue@example.com", Type: models.UserTypeVenue}
	if err := database.Create(&venue).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got models.User
	if err := database.First(&got, "id = ?", venue.ID).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Email != venue.Email {
		t.Fatalf("email = %q, want %q", got.Email, venue.Email)
	}

	UpdateConnectionMetrics(database)

	rr := httptest.NewRecorder()
	telemetry.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`slotrunner_db_query_duration_seconds_count{operation="create",table="users"}`,
		`slotrunner_db_query_duration_seconds_count{operation="query",table="users"}`,
		"slotrunner_db_connections_open 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestConnectRejectsUnknownBackend(t *testing.T) {
	if _, err := Connect(&config.Config{DBBackend: "oracle", DBDSN: "x"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
