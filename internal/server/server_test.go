package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/strikeline/internal/alerts"
	"github.com/quantrails/strikeline/internal/config"
	"github.com/quantrails/strikeline/internal/domain"
	"github.com/quantrails/strikeline/internal/fo"
	"github.com/quantrails/strikeline/internal/hub"
	"github.com/quantrails/strikeline/internal/positions"
	testingpkg "github.com/quantrails/strikeline/internal/testing"
)

type fakeIndicators struct {
	value float64
	err   error
}

func (f *fakeIndicators) Value(_ context.Context, _, _, _ string, _ int) (float64, error) {
	return f.value, f.err
}

type fakeBroker struct {
	quote *domain.Quote
	err   error
}

func (f *fakeBroker) GetQuote(_ context.Context, _ string) (*domain.Quote, error) {
	return f.quote, f.err
}

func (f *fakeBroker) GetLTP(_ context.Context, _ ...string) (map[string]float64, error) {
	return nil, f.err
}

func (f *fakeBroker) State() string { return "closed" }

type serverFixture struct {
	server *Server
	foRepo *fo.Repository
	alerts *alerts.Repository
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	marketDB, cleanup := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanup)
	alertsDB, cleanup2 := testingpkg.NewTestDB(t, "alerts")
	t.Cleanup(cleanup2)
	tradingDB, cleanup3 := testingpkg.NewTestDB(t, "trading")
	t.Cleanup(cleanup3)

	log := zerolog.Nop()
	foRepo := fo.NewRepository(marketDB.Conn(), log)
	alertsRepo := alerts.NewRepository(alertsDB.Conn(), log)
	ordersRepo := positions.NewOrderRepository(tradingDB.Conn(), log)
	tracker := positions.NewTracker(log)

	h := hub.New(log)
	t.Cleanup(h.Close)

	srv := New(Config{
		Log: log,
		Cfg: &config.Config{
			CORSAllowedOrigins: []string{"*"},
			Aggregator:         config.AggregatorConfig{StrikeGap: 50},
		},
		Addr:       ":0",
		MarketDB:   marketDB,
		AlertsDB:   alertsDB,
		TradingDB:  tradingDB,
		Hub:        h,
		FoRepo:     foRepo,
		Indicators: &fakeIndicators{value: 62.5},
		Broker:     &fakeBroker{quote: &domain.Quote{Symbol: "NIFTY", LastPrice: 24100}},
		AlertsRepo: alertsRepo,
		Tracker:    tracker,
		OrdersRepo: ordersRepo,
	})

	return &serverFixture{server: srv, foRepo: foRepo, alerts: alertsRepo}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func TestHealthReportsDatabases(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string            `json:"status"`
		Databases map[string]string `json:"databases"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Databases["market"])
	assert.Equal(t, "ok", body.Databases["alerts"])
	assert.Equal(t, "ok", body.Databases["trading"])
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	create := f.do(t, http.MethodPost, "/api/alerts/", map[string]interface{}{
		"user_id":          "user-1",
		"name":             "nifty breakout",
		"alert_type":       "price",
		"priority":         "high",
		"condition_config": json.RawMessage(`{"type":"price","symbol":"NIFTY","operator":"gt","threshold":24000}`),
	})
	require.Equal(t, http.StatusCreated, create.Code)

	var created alerts.Alert
	decode(t, create, &created)
	require.NotEmpty(t, created.AlertID)
	assert.Equal(t, alerts.StatusActive, created.Status)

	get := f.do(t, http.MethodGet, "/api/alerts/"+created.AlertID+"/", nil)
	require.Equal(t, http.StatusOK, get.Code)

	pause := f.do(t, http.MethodPost, "/api/alerts/"+created.AlertID+"/pause", nil)
	require.Equal(t, http.StatusOK, pause.Code)
	got, err := f.alerts.GetAlert(context.Background(), created.AlertID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusPaused, got.Status)

	resume := f.do(t, http.MethodPost, "/api/alerts/"+created.AlertID+"/resume", nil)
	require.Equal(t, http.StatusOK, resume.Code)

	patch := f.do(t, http.MethodPatch, "/api/alerts/"+created.AlertID+"/", map[string]interface{}{
		"priority": "critical",
		"status":   "triggered",
	})
	require.Equal(t, http.StatusOK, patch.Code)
	got, err = f.alerts.GetAlert(context.Background(), created.AlertID)
	require.NoError(t, err)
	assert.Equal(t, alerts.PriorityCritical, got.Priority)
	assert.Equal(t, alerts.StatusTriggered, got.Status)

	del := f.do(t, http.MethodDelete, "/api/alerts/"+created.AlertID+"/", nil)
	require.Equal(t, http.StatusOK, del.Code)

	list := f.do(t, http.MethodGet, "/api/alerts/?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var listBody struct {
		Alerts []alerts.Alert `json:"alerts"`
	}
	decode(t, list, &listBody)
	assert.Empty(t, listBody.Alerts, "deleted alerts are excluded by default")
}

func TestCreateAlertRejectsBadCondition(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/alerts/", map[string]interface{}{
		"user_id": "user-1",
		"name":    "broken",
		"condition_config": json.RawMessage(
			`{"type":"composite","operator":"and","conditions":[]}`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndicatorEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/indicators/NIFTY?indicator=rsi&timeframe=5min&lookback=14", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Symbol string  `json:"symbol"`
		Value  float64 `json:"value"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "NIFTY", body.Symbol)
	assert.Equal(t, 62.5, body.Value)

	rec = f.do(t, http.MethodGet, "/api/indicators/NIFTY", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "indicator parameter is required")
}

func TestQuotesEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/quotes?symbol=NIFTY", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var quote domain.Quote
	decode(t, rec, &quote)
	assert.Equal(t, 24100.0, quote.LastPrice)
}

func TestPayoffEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payoff", map[string]interface{}{
		"legs": []map[string]interface{}{
			{"type": "CE", "side": "SELL", "strike": 24000, "premium": 150, "quantity": 50},
			{"type": "PE", "side": "SELL", "strike": 24000, "premium": 120, "quantity": 50},
		},
		"spot": 24000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Breakevens []float64 `json:"breakevens"`
		MaxProfit  float64   `json:"max_profit"`
	}
	decode(t, rec, &result)
	assert.Len(t, result.Breakevens, 2)
	assert.Equal(t, 270.0*50, result.MaxProfit)

	rec = f.do(t, http.MethodPost, "/api/payoff", map[string]interface{}{"legs": []map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGreeksEndpointServesLatestBucket(t *testing.T) {
	f := newServerFixture(t)

	delta, gamma, theta, vega, iv := 0.55, 0.002, -12.5, 8.1, 14.2
	require.NoError(t, f.foRepo.UpsertStrikeRows(context.Background(), []fo.StrikeRow{{
		Timeframe:  "1min",
		Symbol:     "NIFTY",
		Expiry:     "2024-11-28",
		Strike:     24000,
		BucketTime: 1000,
		Call: fo.SideStats{
			IV: &iv, Delta: &delta, Gamma: &gamma, Theta: &theta, Vega: &vega,
			Volume: 100, OI: 5000, Count: 10,
		},
	}}))

	rec := f.do(t, http.MethodGet, "/api/greeks/NIFTY24NOV24000CE?expiry=2024-11-28", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap domain.GreekSnapshot
	decode(t, rec, &snap)
	assert.Equal(t, "NIFTY24NOV24000CE", snap.Symbol)
	assert.Equal(t, 0.55, snap.Delta)
	assert.Equal(t, -12.5, snap.Theta)

	rec = f.do(t, http.MethodGet, "/api/greeks/NIFTY24NOV23900CE?expiry=2024-11-28", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionSnapshotEndpoint(t *testing.T) {
	f := newServerFixture(t)

	f.server.tracker.OnPositionUpdate("ACC1", []domain.Position{{
		TradingSymbol: "NIFTY24NOV24000CE",
		Exchange:      "NFO",
		Product:       "NRML",
		Quantity:      50,
		LastPrice:     120,
	}})

	rec := f.do(t, http.MethodGet, "/api/positions/ACC1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		AccountID string            `json:"account_id"`
		Positions []domain.Position `json:"positions"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "ACC1", body.AccountID)
	require.Len(t, body.Positions, 1)
	assert.Equal(t, int64(50), body.Positions[0].Quantity)

	// Unknown accounts return an empty snapshot, not an error.
	rec = f.do(t, http.MethodGet, "/api/positions/GHOST", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "strikeline", body["service"])
	assert.Contains(t, body, "hub")
	assert.Contains(t, body, "databases")
	assert.Equal(t, "closed", body["broker_breaker"])
}

func TestParseOptionSymbol(t *testing.T) {
	cases := []struct {
		symbol     string
		underlying string
		strike     float64
		optType    string
		ok         bool
	}{
		{"NIFTY24NOV24000CE", "NIFTY", 24000, "CE", true},
		{"BANKNIFTY24D0551000PE", "BANKNIFTY", 51000, "PE", true},
		{"NIFTY", "", 0, "", false},
		{"NIFTYCE", "", 0, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.symbol, func(t *testing.T) {
			underlying, strike, optType, ok := parseOptionSymbol(tc.symbol)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.underlying, underlying)
				assert.Equal(t, tc.strike, strike)
				assert.Equal(t, tc.optType, optType)
			}
		})
	}
}

func TestStrikesRequiresSymbol(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/fo/strikes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBarsEndpointRoundTrip(t *testing.T) {
	f := newServerFixture(t)

	bars := make([]fo.UnderlyingBarRow, 3)
	for i := range bars {
		bars[i] = fo.UnderlyingBarRow{
			Symbol: "NIFTY", Timeframe: "1min", Time: int64(60 * i),
			Open: 24000, High: 24010, Low: 23990, Close: 24005, Volume: 100,
		}
	}
	require.NoError(t, f.foRepo.UpsertUnderlyingBars(context.Background(), bars))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/fo/bars/NIFTY?timeframe=1min&from=%d&to=%d", 0, 600), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Bars []fo.UnderlyingBarRow `json:"bars"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Bars, 3)
}
