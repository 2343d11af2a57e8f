package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// queryInt parses an integer query parameter clamped to [min, max].
func queryInt(r *http.Request, key string, def, minV, maxV int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < minV {
		return minV
	}
	if n > maxV {
		return maxV
	}
	return n
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conn := s.engines.DB.Conn()
	var addrCount, posCount int
	_ = conn.QueryRow("SELECT COUNT(*) FROM addresses").Scan(&addrCount)
	_ = conn.QueryRow("SELECT COUNT(*) FROM positions").Scan(&posCount)

	status := "ok"
	var wsHealthy any
	if ts := s.engines.TradeStream; ts != nil {
		healthy := ts.Healthy()
		wsHealthy = healthy
		if !healthy {
			status = "degraded"
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":               status,
		"uptime_seconds":       time.Since(s.engines.StartTime).Seconds(),
		"addresses_discovered": addrCount,
		"positions_tracked":    posCount,
		"ws_healthy":           wsHealthy,
	})
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	if s.engines.Heatmap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "heatmap engine not available")
		return
	}
	coin := strings.ToUpper(chi.URLParam(r, "coin"))
	h := s.engines.Heatmap.Get(coin)
	if h == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     "no heatmap data for " + coin,
			"available": s.engines.Heatmap.AvailableCoins(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"heatmap":          h,
		"data_age_seconds": float64(time.Now().Unix()) - h.Summary.ComputedAt,
	})
}

func (s *Server) handleHlpPositions(w http.ResponseWriter, r *http.Request) {
	if s.engines.Hlp == nil {
		s.writeError(w, http.StatusServiceUnavailable, "hlp tracker not available")
		return
	}
	positions := s.engines.Hlp.Positions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleHlpSentiment(w http.ResponseWriter, r *http.Request) {
	if s.engines.Hlp == nil {
		s.writeError(w, http.StatusServiceUnavailable, "hlp tracker not available")
		return
	}
	hours := queryFloat(r, "hours", 24)
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sentiment": s.engines.Hlp.Sentiment(hours),
		"hours":     hours,
	})
}

func (s *Server) handleOrderFlow(w http.ResponseWriter, r *http.Request) {
	if s.engines.OrderFlow == nil {
		s.writeError(w, http.StatusServiceUnavailable, "order flow engine not available")
		return
	}
	coin := strings.ToUpper(chi.URLParam(r, "coin"))
	flow := s.engines.OrderFlow.GetOrderFlow(coin)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"coin":         flow.Coin,
		"windows":      flow.Windows,
		"total_trades": flow.TotalTrades,
		"computed_at":  float64(time.Now().Unix()),
	})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	if s.engines.L2Book == nil {
		s.writeError(w, http.StatusServiceUnavailable, "l2 book subscriber not available")
		return
	}
	coin := strings.ToUpper(chi.URLParam(r, "coin"))
	book := s.engines.L2Book.Book(coin)
	if book == nil {
		s.writeError(w, http.StatusNotFound, "no book data for "+coin)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"coin":             coin,
		"book":             book,
		"data_age_seconds": float64(time.Now().Unix()) - book.UpdatedAt,
	})
}

func (s *Server) handleWhales(w http.ResponseWriter, r *http.Request) {
	if s.engines.Whales == nil {
		s.writeError(w, http.StatusServiceUnavailable, "whale tracker not available")
		return
	}
	coin := strings.ToUpper(chi.URLParam(r, "coin"))
	topN := queryInt(r, "top_n", 50, 1, 500)
	board := s.engines.Whales.GetWhales(coin, topN)

	resp := map[string]any{
		"coin":            board.Coin,
		"positions":       board.Positions,
		"count":           board.Count,
		"total_long_usd":  board.TotalLongUSD,
		"total_short_usd": board.TotalShortUSD,
		"net_usd":         board.NetUSD,
	}
	if board.OldestUpdated > 0 {
		resp["oldest_position_age_seconds"] = float64(time.Now().Unix()) - board.OldestUpdated
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWhaleSummary(w http.ResponseWriter, r *http.Request) {
	if s.engines.Whales == nil {
		s.writeError(w, http.StatusServiceUnavailable, "whale tracker not available")
		return
	}
	coins := s.engines.Whales.Summary()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"coins":       coins,
		"total_coins": len(coins),
	})
}

func (s *Server) handleSmartMoney(w http.ResponseWriter, r *http.Request) {
	if s.engines.SmartMoney == nil {
		s.writeError(w, http.StatusServiceUnavailable, "smart money engine not available")
		return
	}
	topN := queryInt(r, "top_n", 50, 1, 200)
	minWinRate := queryFloat(r, "min_win_rate", 0)
	styleCSV := r.URL.Query().Get("style")
	excludeBots := r.URL.Query().Get("exclude_bots") == "true"
	minTrades := queryInt(r, "min_trades", 0, 0, 1<<30)

	filtered := minWinRate > 0 || styleCSV != "" || excludeBots || minTrades > 0
	fetchN := topN
	if filtered {
		// Overfetch to compensate for post-filtering.
		fetchN = topN * 3
	}

	data, err := s.engines.SmartMoney.GetRankings(fetchN)
	if err != nil {
		s.log.Error().Err(err).Msg("rankings failed")
		s.writeJSON(w, http.StatusOK, map[string]any{"rankings": []any{}, "count": 0, "window_hours": 24})
		return
	}

	if filtered {
		styleSet := make(map[string]struct{})
		for _, st := range strings.Split(styleCSV, ",") {
			if st = strings.TrimSpace(st); st != "" {
				styleSet[st] = struct{}{}
			}
		}
		kept := data.Rankings[:0]
		for _, rk := range data.Rankings {
			if minWinRate > 0 && (rk.WinRate == nil || *rk.WinRate < minWinRate) {
				continue
			}
			if len(styleSet) > 0 {
				if rk.Style == nil {
					continue
				}
				if _, ok := styleSet[*rk.Style]; !ok {
					continue
				}
			}
			if excludeBots && rk.IsBot {
				continue
			}
			if minTrades > 0 && (rk.TradeCount == nil || *rk.TradeCount < minTrades) {
				continue
			}
			kept = append(kept, rk)
			if len(kept) == topN {
				break
			}
		}
		data.Rankings = kept
		data.Count = len(kept)
	}

	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": time.Since(s.engines.StartTime).Seconds(),
		"rate_limiter":   s.engines.Limiter.Stats(),
	}
	if s.engines.TradeStream != nil {
		stats["trade_stream"] = s.engines.TradeStream.Stats()
	}
	if s.engines.L2Book != nil {
		stats["l2_book"] = s.engines.L2Book.Stats()
	}
	if s.engines.Poller != nil {
		stats["position_poller"] = s.engines.Poller.Stats()
	}
	if s.engines.Hlp != nil {
		stats["hlp_tracker"] = s.engines.Hlp.Stats()
	}
	if s.engines.Heatmap != nil {
		stats["liq_heatmap"] = s.engines.Heatmap.Stats()
	}
	if s.engines.SmartMoney != nil {
		stats["smart_money"] = s.engines.SmartMoney.Stats()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// ---- Watchlist admin ----

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	if s.engines.Profiler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "profiler not available")
		return
	}
	wallets := s.engines.Profiler.Watchlist()
	s.writeJSON(w, http.StatusOK, map[string]any{"wallets": wallets, "count": len(wallets)})
}

func (s *Server) handleWalletProfile(w http.ResponseWriter, r *http.Request) {
	if s.engines.Profiler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "profiler not available")
		return
	}
	address := normalizeAddress(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	detail := s.engines.Profiler.GetProfile(address)
	if detail == nil {
		s.writeError(w, http.StatusNotFound, "no profile data")
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	minutes := queryInt(r, "minutes", 30, 1, 1440)
	cutoff := float64(time.Now().Unix()) - float64(minutes)*60

	rows, err := s.engines.DB.Conn().Query(`
SELECT pc.address, pc.coin, pc.action, pc.side, pc.size_usd, pc.price, pc.detected_at,
       wp.win_rate, wp.style, wp.is_bot, ww.label
FROM position_changes pc
LEFT JOIN wallet_profiles wp ON pc.address = wp.address
LEFT JOIN watched_wallets ww ON pc.address = ww.address AND ww.is_active = 1
WHERE pc.detected_at > ?
ORDER BY pc.detected_at DESC
LIMIT 100`, cutoff)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"changes": []any{}, "count": 0})
		return
	}
	defer rows.Close()

	type changeRow struct {
		Address    string   `json:"address"`
		Coin       string   `json:"coin"`
		Action     string   `json:"action"`
		Side       *string  `json:"side"`
		SizeUSD    *float64 `json:"size_usd"`
		Price      *float64 `json:"price"`
		DetectedAt float64  `json:"detected_at"`
		WinRate    *float64 `json:"win_rate"`
		Style      *string  `json:"style"`
		IsBot      *int     `json:"is_bot"`
		Label      *string  `json:"label"`
	}
	changes := []changeRow{}
	for rows.Next() {
		var c changeRow
		if err := rows.Scan(&c.Address, &c.Coin, &c.Action, &c.Side, &c.SizeUSD,
			&c.Price, &c.DetectedAt, &c.WinRate, &c.Style, &c.IsBot, &c.Label); err != nil {
			break
		}
		changes = append(changes, c)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "count": len(changes)})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.engines.Profiler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "profiler not available")
		return
	}
	var body struct {
		Address string `json:"address"`
		Label   string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	address := normalizeAddress(body.Address)
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if err := s.engines.Profiler.Watch(address, body.Label); err != nil {
		s.writeError(w, http.StatusInternalServerError, "watch failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "address": address, "label": body.Label})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if s.engines.Profiler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "profiler not available")
		return
	}
	address := normalizeAddress(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if err := s.engines.Profiler.Unwatch(address); err != nil {
		s.writeError(w, http.StatusInternalServerError, "unwatch failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "address": address})
}

// normalizeAddress lowercases and validates the minimum length. Returns
// "" for junk.
func normalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) < 10 {
		return ""
	}
	return addr
}
