package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hynous/hynous-data/internal/collectors/tradestream"
	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/orderflow"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/internal/engine/whales"
	"github.com/hynous/hynous-data/internal/market"
	"github.com/hynous/hynous-data/internal/ratelimit"
)

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })

	reg := market.NewBufferRegistry(1000)
	profiler := smartmoney.NewProfiler(db, nil, nil, config.Default().SmartMoney, zerolog.Nop())
	engines := Engines{
		DB:         db,
		Limiter:    ratelimit.New(1200, 85, zerolog.Nop()),
		OrderFlow:  orderflow.New(reg, []int{60, 300}),
		Whales:     whales.New(db, zerolog.Nop()),
		SmartMoney: smartmoney.New(db, profiler, 50_000, zerolog.Nop()),
		Profiler:   profiler,
		StartTime:  time.Now(),
	}
	return New("127.0.0.1", 0, engines, zerolog.Nop()), db
}

func doJSON(t *testing.T, s *Server, method, path string, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/health", "")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"]) // no trade stream: ws_healthy is null
	assert.Nil(t, body["ws_healthy"])
	assert.Equal(t, 0.0, body["addresses_discovered"])
}

func TestBookUnavailable(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/v1/book/BTC", "")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "not available")
}

func TestBookNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	s.engines.L2Book = tradestream.NewL2Subscriber([]string{"BTC"}, "", zerolog.Nop())

	code, _ := doJSON(t, s, "GET", "/v1/book/BTC", "")
	assert.Equal(t, http.StatusNotFound, code)

	// The stats surface picks the subscriber up too.
	_, stats := doJSON(t, s, "GET", "/v1/stats", "")
	assert.Contains(t, stats, "l2_book")
}

func TestHeatmapUnavailable(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/v1/heatmap/BTC", "")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "not available")
}

func TestOrderFlowEmptyCoin(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/v1/orderflow/btc", "")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BTC", body["coin"]) // uppercased
	assert.Equal(t, 0.0, body["total_trades"])
}

func TestWhalesEndpoint(t *testing.T) {
	s, db := newTestServer(t)
	err := db.WithWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO positions (address, coin, side, size, size_usd, entry_px, mark_px, updated_at)
VALUES ('0xa', 'BTC', 'long', 1, 500000, 95000, 97000, ?)`, float64(time.Now().Unix()))
		return err
	})
	require.NoError(t, err)

	code, body := doJSON(t, s, "GET", "/v1/whales/BTC?top_n=10", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, 500000.0, body["total_long_usd"])
	assert.Equal(t, 500000.0, body["net_usd"])
	assert.NotNil(t, body["oldest_position_age_seconds"])
}

func TestWatchUnwatchRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := doJSON(t, s, "POST", "/v1/smart-money/watch",
		`{"address": "0xAABBCCDDEEFF0011", "label": "test whale"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0xaabbccddeeff0011", body["address"]) // normalized

	code, body = doJSON(t, s, "GET", "/v1/smart-money/watchlist", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])

	code, _ = doJSON(t, s, "DELETE", "/v1/smart-money/watch/0xAABBCCDDEEFF0011", "")
	assert.Equal(t, http.StatusOK, code)

	_, body = doJSON(t, s, "GET", "/v1/smart-money/watchlist", "")
	assert.Equal(t, 0.0, body["count"])
}

func TestWatchRejectsShortAddress(t *testing.T) {
	s, _ := newTestServer(t)
	code, _ := doJSON(t, s, "POST", "/v1/smart-money/watch", `{"address": "0x1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWalletProfileNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	code, _ := doJSON(t, s, "GET", "/v1/smart-money/wallet/0xaabbccddeeff", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSmartMoneyEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/v1/smart-money?top_n=10", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 24.0, body["window_hours"])
}

func TestSmartMoneyFilters(t *testing.T) {
	s, db := newTestServer(t)
	now := float64(time.Now().Unix())

	err := db.WithWriteTx(func(tx *sql.Tx) error {
		for _, addr := range []string{"0xbot0000001", "0xhuman00001"} {
			for i, eq := range []float64{100000, 110000} {
				if _, err := tx.Exec(
					"INSERT INTO pnl_snapshots (address, snapshot_at, equity, unrealized) VALUES (?, ?, ?, 0)",
					addr, now-3600+float64(i)*1800, eq,
				); err != nil {
					return err
				}
			}
		}
		if _, err := tx.Exec(`
INSERT INTO wallet_profiles (address, computed_at, win_rate, trade_count, profit_factor, avg_hold_hours, avg_pnl_pct, max_drawdown, style, is_bot, equity)
VALUES ('0xbot0000001', ?, 0.7, 500, 2.0, 0.01, 0.1, 1.0, 'scalper', 1, 110000)`, now); err != nil {
			return err
		}
		_, err := tx.Exec(`
INSERT INTO wallet_profiles (address, computed_at, win_rate, trade_count, profit_factor, avg_hold_hours, avg_pnl_pct, max_drawdown, style, is_bot, equity)
VALUES ('0xhuman00001', ?, 0.6, 50, 1.8, 5.0, 1.0, 10.0, 'day_trader', 0, 110000)`, now)
		return err
	})
	require.NoError(t, err)

	code, body := doJSON(t, s, "GET", "/v1/smart-money?exclude_bots=true", "")
	assert.Equal(t, http.StatusOK, code)
	rankings := body["rankings"].([]any)
	require.Len(t, rankings, 1)
	assert.Equal(t, "0xhuman00001", rankings[0].(map[string]any)["address"])

	_, body = doJSON(t, s, "GET", "/v1/smart-money?style=scalper", "")
	rankings = body["rankings"].([]any)
	require.Len(t, rankings, 1)
	assert.Equal(t, "0xbot0000001", rankings[0].(map[string]any)["address"])
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/v1/stats", "")
	assert.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "rate_limiter")
	rl := body["rate_limiter"].(map[string]any)
	assert.Equal(t, 1020.0, rl["max"]) // 1200 × 85%
}

func TestChangesEmptyWindow(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s, "GET", "/v1/smart-money/changes?minutes=60", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["count"])
}
