package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/config"
)

func TestNewStateInitializesNormalization(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/v2/users?Page=2&Zap=zazz", http.NoBody)
	req.Header.Set("X-Custom", "primary")
	req.Header.Add("X-Custom", "secondary")

	state := NewState(req, "corr-123")

	require.Equal(t, "corr-123", state.CorrelationID)
	require.Equal(t, "/v2/users", state.Request.Path)
	require.Equal(t, "primary", state.Request.Headers["x-custom"])
	require.NotContains(t, state.Request.Headers, "X-Custom")
	require.Equal(t, "2", state.Request.Query["page"])
	require.NotNil(t, state.Response.Headers)
	require.Equal(t, PhaseStart, state.Phase())
	require.False(t, state.ShortCircuited())
}

func TestAdvanceOnlyMovesForward(t *testing.T) {
	state := NewState(httptest.NewRequest(http.MethodGet, "/v2/users/1", http.NoBody), "corr")

	require.True(t, state.Advance(PhaseRateChecked))
	require.True(t, state.Advance(PhaseHeadersAttached))
	require.False(t, state.Advance(PhaseCacheChecked))
	require.False(t, state.Advance(PhaseHeadersAttached))
	require.True(t, state.Advance(PhaseEnd))

	require.Equal(t, []Phase{PhaseStart, PhaseRateChecked, PhaseHeadersAttached, PhaseEnd}, state.Trail())
	require.Equal(t, "CACHE_WRITE/INVALIDATE", PhaseCacheWrite.String())
}

func TestRespondShortCircuits(t *testing.T) {
	state := NewState(httptest.NewRequest(http.MethodGet, "/v2/users/1", http.NoBody), "corr")
	state.Respond(http.StatusTooManyRequests, []byte(`{}`))

	require.True(t, state.ShortCircuited())
	require.Equal(t, http.StatusTooManyRequests, state.Response.Status)
}

func TestPlanAccessors(t *testing.T) {
	engine, err := cachepolicy.Compile("test", config.CachePolicy{
		Retrieval: []config.RetrievalRuleConfig{{Name: "user", Path: `^/v2/users/(\d+)$`, Key: "user:{uid}:{req_uid}", TTLSeconds: 60}},
	}, nil)
	require.NoError(t, err)
	rule, ok := engine.MatchRetrieval(http.MethodGet, "/v2/users/1")
	require.True(t, ok)

	state := NewState(httptest.NewRequest(http.MethodGet, "/v2/users/1", http.NoBody), "corr")
	_, ok = state.RetrievalPlan()
	require.False(t, ok)
	_, ok = state.InvalidationPlan()
	require.False(t, ok)

	state.SetRetrievalPlan(cachepolicy.RetrievalPlan{Rule: rule, Key: "user:1:0"})
	plan, ok := state.RetrievalPlan()
	require.True(t, ok)
	require.Equal(t, "user:1:0", plan.Key)
	require.Equal(t, "user", state.Cache.Rule)
	require.Equal(t, "user:1:0", state.Cache.Key)

	viewer := RequesterState{ID: 4, Admin: true}.Viewer()
	require.Equal(t, cachepolicy.Viewer{ID: 4, Admin: true}, viewer)
}
