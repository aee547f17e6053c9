package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/collab-relay/internal/core/domain"
	"github.com/lorrc/collab-relay/internal/infrastructure/metrics"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	rec.RoomOpened()
	rec.RoomOpened()
	rec.RoomClosed()
	rec.SessionConnected()
	rec.EventRouted(domain.TypeEdit, 3)
	rec.EventRouted(domain.TypeEdit, 1)
	rec.EventRouted(domain.TypePresence, 0)
	rec.EventDropped("validation")
	rec.JoinRejected("ROOM_FULL")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)

	count, err := testutil.GatherAndCount(reg, "collab_relay_events_routed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per message type")

	expected := `
# HELP collab_relay_rooms_active Number of rooms with at least one session.
# TYPE collab_relay_rooms_active gauge
collab_relay_rooms_active 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "collab_relay_rooms_active"))
}

func TestHandlerFor(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	rec.JoinRejected("FORBIDDEN")

	rr := httptest.NewRecorder()
	metrics.HandlerFor(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `collab_relay_joins_rejected_total{code="FORBIDDEN"} 1`)
}
