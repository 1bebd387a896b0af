package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"pricegate/internal/config"
	"pricegate/internal/db"
	"pricegate/internal/domain"
	"pricegate/internal/migrate"
	"pricegate/internal/repo"
)

type hookRecorder struct {
	mu      sync.Mutex
	events  []webhookEvent
	headers []http.Header
	fail    bool
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(body, &evt)
	h.events = append(h.events, evt)
	h.headers = append(h.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func newWebhookRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.New(conn)
}

func TestWebhookDeliversNewMatchingEvents(t *testing.T) {
	r := newWebhookRepo(t)
	ctx := context.Background()
	_, err := r.AddProduct(ctx, domain.Product{Commodity: "Wheat", State: "Bihar", District: "Patna", Market: "Patna Market", LedgerID: "P1", Price: 2000})
	require.NoError(t, err)

	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := newWebhookDispatcher(r, []config.Webhook{{URL: srv.URL, Events: []string{"ledger.price_updated"}, Secret: "s3cret"}}, nil)
	require.NotNil(t, d)

	// events before startup are skipped
	d.dispatchAll(ctx)
	require.Empty(t, rec.events)

	_, err = r.UpdatePrice(ctx, domain.CommitRequest{ProductID: "P1", NewPrice: 2100})
	require.NoError(t, err)
	d.dispatchAll(ctx)

	require.Len(t, rec.events, 1)
	require.Equal(t, "ledger.price_updated", rec.events[0].Type)
	require.Equal(t, "P1", rec.events[0].EntityID)
	require.Equal(t, "ledger.price_updated", rec.headers[0].Get("X-Pricegate-Event"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.events[0].Payload, &payload))
	require.Equal(t, 2100.0, payload["new_price"])
	require.Contains(t, rec.headers[0].Get("X-Pricegate-Signature"), "sha256=")

	// nothing new, nothing sent
	d.dispatchAll(ctx)
	require.Len(t, rec.events, 1)
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	r := newWebhookRepo(t)
	ctx := context.Background()

	rec := &hookRecorder{fail: true}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := newWebhookDispatcher(r, []config.Webhook{{URL: srv.URL}}, nil)
	d.dispatchAll(ctx)

	_, err := r.AddProduct(ctx, domain.Product{Commodity: "Rice", State: "Bihar", District: "Gaya", Market: "Gaya Mandi", Price: 3000})
	require.NoError(t, err)
	d.dispatchAll(ctx)
	require.Empty(t, rec.events)

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	d.dispatchAll(ctx)
	require.Len(t, rec.events, 1)
	require.Equal(t, "catalog.product_registered", rec.events[0].Type)
}

func TestWebhookCursorInitFailureDoesNotReplayHistory(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := newWebhookDispatcher(repo.New(conn), []config.Webhook{{URL: srv.URL}}, nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(id) FROM events`)).WillReturnError(errors.New("database is locked"))
	d.dispatchAll(ctx)
	require.Empty(t, rec.events)
	_, pinned := d.cursors[0]
	require.False(t, pinned)

	// next tick pins the cursor to the newest event and only reads past it
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(id) FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(42))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM events WHERE id>?`)).
		WithArgs(int64(42), defaultWebhookBatch).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json"}))
	d.dispatchAll(ctx)
	require.Empty(t, rec.events)
	require.Equal(t, int64(42), d.cursors[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookDispatcherSkipsInactiveHooks(t *testing.T) {
	off := false
	hooks := []config.Webhook{{URL: "http://localhost:1", Enabled: &off}, {URL: " "}}
	require.Nil(t, newWebhookDispatcher(repo.Repo{}, hooks, nil))
}

func TestEventFilter(t *testing.T) {
	require.True(t, newEventFilter(nil).match("anything"))
	require.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"ledger.price_updated"})
	require.True(t, f.match("ledger.price_updated"))
	require.False(t, f.match("submission.recorded"))
}
