package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Port = 0
	cfg.Schedule.Default = nil
	cfg.Liquidation.RetryInterval.Duration = time.Millisecond
	cfg.Liquidation.MaxRetryInterval.Duration = 10 * time.Millisecond
	cfg.Quotes = map[string]config.Quote{
		"EURUSD": {Bid: d(1.2), Ask: d(1.21)},
		"GOLD":   {Bid: d(100), Ask: d(101)},
	}
	return &cfg
}

// startApp builds and runs an app until the test ends.
func startApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
		a.Close()
	})
	return a
}

func execute(t *testing.T, a *App, id, asset string, volume, price float64) {
	t.Helper()
	require.NoError(t, a.Engine.OnOrderExecuted(context.Background(), &model.Order{
		ID:             id,
		AccountID:      "acc1",
		AssetPairID:    asset,
		Type:           model.OrderTypeMarket,
		Status:         model.OrderStatusExecuted,
		Volume:         d(volume),
		ExecutionPrice: d(price),
		FxRate:         d(1),
		ExecutedAt:     time.Now().UTC(),
	}))
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec.Code
}

func TestApp_ForcedLiquidationEndToEnd(t *testing.T) {
	a := startApp(t)

	a.Accounts.Upsert(&model.Account{
		ID:               "acc1",
		Balance:          d(100),
		UsedMargin:       d(400),
		MarginCall1Level: d(1),
		MarginCall2Level: d(0.8),
		StopOutLevel:     d(0.5),
	})
	execute(t, a, "o1", "EURUSD", 10, 1.1)
	execute(t, a, "o2", "GOLD", -2, 99)
	execute(t, a, "o3", "EURUSD", 5, 1.15)
	require.Len(t, a.Positions.PositionsByAccount("acc1"), 3)

	require.NoError(t, a.Send(context.Background(), liquidation.StartLiquidationCommand{
		Header:          liquidation.Header{OperationID: "op1", CreationTime: time.Now().UTC()},
		AccountID:       "acc1",
		LiquidationType: liquidation.TypeForced,
		OriginatorType:  model.OriginatorSystem,
	}))

	var resp LiquidationResponse
	require.Eventually(t, func() bool {
		return getJSON(t, a.Router(), "/debug/liquidations/op1", &resp) == http.StatusOK &&
			resp.Data.State == liquidation.StateFinished
	}, 5*time.Second, 10*time.Millisecond)

	// GOLD uses the most margin and goes first, then both EURUSD longs.
	assert.Equal(t, []string{"o2", "o1", "o3"}, resp.Data.LiquidatedPositionIDs)
	assert.Empty(t, a.Positions.PositionsByAccount("acc1"))

	var acc AccountResponse
	require.Equal(t, http.StatusOK, getJSON(t, a.Router(), "/debug/accounts/acc1", &acc))
	assert.Empty(t, acc.Positions)
	assert.Empty(t, acc.Account.LiquidationOperationID)

	var recent []liquidation.Ended
	require.Equal(t, http.StatusOK, getJSON(t, a.Router(), "/debug/liquidations", &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, "op1", recent[0].OperationID)
	assert.Equal(t, liquidation.ReasonAllLiquidated, recent[0].Reason)
}

func TestApp_NormalLiquidationStopsWhenMarginRecovers(t *testing.T) {
	a := startApp(t)

	// The snapshot is never refreshed during the test; only the positions move.
	a.Accounts.Upsert(&model.Account{
		ID:               "acc1",
		Balance:          d(100),
		UsedMargin:       d(220),
		MarginCall1Level: d(1),
		MarginCall2Level: d(0.8),
		StopOutLevel:     d(0.5),
	})
	execute(t, a, "o1", "EURUSD", 10, 1.1)
	execute(t, a, "o2", "GOLD", -2, 99)
	execute(t, a, "o3", "EURUSD", 5, 1.15)

	require.NoError(t, a.Send(context.Background(), liquidation.StartLiquidationCommand{
		Header:          liquidation.Header{OperationID: "op1", CreationTime: time.Now().UTC()},
		AccountID:       "acc1",
		LiquidationType: liquidation.TypeNormal,
		OriginatorType:  model.OriginatorSystem,
	}))

	var resp LiquidationResponse
	require.Eventually(t, func() bool {
		return getJSON(t, a.Router(), "/debug/liquidations/op1", &resp) == http.StatusOK &&
			resp.Data.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	// Margin at the close quotes is GOLD 2 × 101 = 202 and EURUSD 15 × 1.2 = 18.
	// With GOLD closed, usage is 100 / 18 and the account is out of every tier.
	assert.Equal(t, liquidation.StateFinished, resp.Data.State)
	assert.Equal(t, []string{"o2"}, resp.Data.LiquidatedPositionIDs)
	assert.Len(t, a.Positions.PositionsByAccount("acc1"), 2)

	var recent []liquidation.Ended
	require.Equal(t, http.StatusOK, getJSON(t, a.Router(), "/debug/liquidations", &recent))
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Failed)
	assert.Contains(t, recent[0].Reason, "None")
}

func TestApp_UnknownAccountFailsWithoutState(t *testing.T) {
	a := startApp(t)

	require.NoError(t, a.Send(context.Background(), liquidation.StartLiquidationCommand{
		Header:    liquidation.Header{OperationID: "op-ghost"},
		AccountID: "ghost",
	}))

	// Give the bus a moment; no record is ever created.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, http.StatusNotFound, getJSON(t, a.Router(), "/debug/liquidations/op-ghost", nil))
}

func TestOps_HealthAndNotFound(t *testing.T) {
	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, a.Router(), "/health", &health))
	assert.Equal(t, "ok", health["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, a.Router(), "/debug/accounts/nobody", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, a.Router(), "/metrics", nil))
}

type strayMessage struct{}

func (strayMessage) Operation() string { return "op1" }
func (strayMessage) Name() string      { return "Stray" }

func TestDispatcher_UnroutableIsPermanent(t *testing.T) {
	err := (&Dispatcher{}).Handle(context.Background(), strayMessage{})
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}
