package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "malformed", Outcome(fmt.Errorf("%w: x", types.ErrMalformedRecord)))
	assert.Equal(t, "TRANSPORT_FAILURE", Outcome(types.Errorf(types.KindTransportFailure, "price", "down")))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestCollectors(t *testing.T) {
	m := New()
	m.ObserveFetch(nil, 1, time.Millisecond)
	m.ObserveFetch(types.Errorf(types.KindTransportFailure, "price", "down"), 3, time.Millisecond)
	m.ObserveSnapshot(2, 1, 5*time.Millisecond)
	m.ObserveOperation("pay", "confirmed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.fetches.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.fetches.WithLabelValues("TRANSPORT_FAILURE")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.snapshotItems))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.operations.WithLabelValues("pay", "confirmed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escrow_fetches_total")
}
