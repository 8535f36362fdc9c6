package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_LoadEveryScenario(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			// GIVEN: A fresh server
			ts := newTestServer(t)

			// WHEN: The scenario is loaded
			ts.mustDo("POST", "/api/scenarios/load", map[string]any{"scenario_id": s.ID}, http.StatusOK)

			// THEN: It is reported as current and the catalog exists
			current := decode[ScenarioDTO](t, ts.mustDo("GET", "/api/scenarios/current", nil, http.StatusOK))
			assert.Equal(t, s.ID, current.ID)
			products := decode[[]ProductDTO](t, ts.mustDo("GET", "/api/products", nil, http.StatusOK))
			assert.Len(t, products, 4)
		})
	}
}

func TestScenarios_ReloadResetsData(t *testing.T) {
	// GIVEN: The active loans scenario
	ts := newTestServer(t)
	ts.mustDo("POST", "/api/scenarios/load", map[string]any{"scenario_id": "active-loans"}, http.StatusOK)
	loans := decode[[]TransferDTO](t, ts.mustDo("GET", "/api/loans", nil, http.StatusOK))
	require.Len(t, loans, 3)

	// WHEN: Loading it a second time
	ts.mustDo("POST", "/api/scenarios/load", map[string]any{"scenario_id": "active-loans"}, http.StatusOK)

	// THEN: The loans are not duplicated
	loans = decode[[]TransferDTO](t, ts.mustDo("GET", "/api/loans", nil, http.StatusOK))
	assert.Len(t, loans, 3)
}

func TestScenarios_OverdueAndDedicatedLocation(t *testing.T) {
	ts := newTestServer(t)

	ts.mustDo("POST", "/api/scenarios/load", map[string]any{"scenario_id": "overdue"}, http.StatusOK)
	overdue := decode[[]TransferDTO](t, ts.mustDo("GET", "/api/loans?overdue=true", nil, http.StatusOK))
	assert.Len(t, overdue, 2)
	sweep := decode[SweepResponse](t, ts.mustDo("POST", "/api/admin/sweep", nil, http.StatusOK))
	assert.Equal(t, 2, sweep.Notifications)

	ts.mustDo("POST", "/api/scenarios/load", map[string]any{"scenario_id": "frequent-borrower"}, http.StatusOK)
	pending := decode[[]TransferDTO](t, ts.mustDo("GET", "/api/loans?state=pending", nil, http.StatusOK))
	require.Len(t, pending, 1)
	assert.Equal(t, "loan-acme", pending[0].Destination)
}

func TestScenarios_UnknownAndReset(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("POST", "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_scenario", decode[ErrorResponse](t, rec).Code)

	ts.mustDo("POST", "/api/scenarios/load", map[string]any{"scenario_id": "showroom"}, http.StatusOK)
	ts.mustDo("POST", "/api/scenarios/reset", nil, http.StatusOK)

	products := decode[[]ProductDTO](t, ts.mustDo("GET", "/api/products", nil, http.StatusOK))
	assert.Empty(t, products)
	assert.Equal(t, "null\n", ts.mustDo("GET", "/api/scenarios/current", nil, http.StatusOK).Body.String())
}
