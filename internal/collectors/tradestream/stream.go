// Package tradestream maintains the single trades WebSocket subscription:
// it fills the per-coin trade buffers, discovers addresses from trade
// participants, records qualifying liquidations and self-heals on
// silence.
package tradestream

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/internal/market"
	"github.com/hynous/hynous-data/pkg/logger"
)

const (
	// No trades for this long means the socket is dead.
	deadThreshold = 30 * time.Second
	// Fixed delay between reconnect attempts.
	reconnectDelay = 5 * time.Second
	// Address flush cadence.
	flushInterval = time.Second
	// Minimum notional for a liquidation event (ignore dust).
	minLiquidationUSD = 100
	// Minimum plausible address length.
	minAddressLen = 10

	dialTimeout = 30 * time.Second
	readTimeout = 10 * time.Second
)

// pendingAddr accumulates discovery metadata between flushes.
type pendingAddr struct {
	firstSeen float64
	lastSeen  float64
	count     int64
}

// Stream subscribes to trades for every instrument in the exchange
// universe. One Stream owns the process's trades WebSocket.
type Stream struct {
	db       *database.DB
	client   *exchange.Client
	registry *market.BufferRegistry
	wsURL    string
	log      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*pendingAddr

	lastTradeUnixMs atomic.Int64
	wsConnected     atomic.Bool

	subscribedMu    sync.Mutex
	subscribedCoins []string

	// Counters.
	totalTrades         atomic.Int64
	totalInvalidTrades  atomic.Int64
	totalAddressesFound atomic.Int64
	totalLiquidations   atomic.Int64
	reconnectCount      atomic.Int64
}

// New creates a trade stream. client is used for the instrument
// metadata fetch; trades arrive over wsURL.
func New(db *database.DB, client *exchange.Client, registry *market.BufferRegistry, wsURL string, log zerolog.Logger) *Stream {
	return &Stream{
		db:       db,
		client:   client,
		registry: registry,
		wsURL:    wsURL,
		log:      logger.Component(log, "trade_stream"),
		stopCh:   make(chan struct{}),
		pending:  make(map[string]*pendingAddr),
	}
}

// Start clears the buffers (no stale carryover across restarts) and
// launches the supervisor goroutine.
func (s *Stream) Start() {
	s.registry.Clear()
	s.wg.Add(1)
	go s.supervise()
}

// Stop signals shutdown and waits for the supervisor to exit.
func (s *Stream) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Healthy reports whether the socket is connected and trades arrived
// within the silence threshold.
func (s *Stream) Healthy() bool {
	if !s.wsConnected.Load() {
		return false
	}
	last := s.lastTradeUnixMs.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.UnixMilli(last)) < deadThreshold
}

// Stats reports stream counters.
func (s *Stream) Stats() map[string]any {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()
	s.subscribedMu.Lock()
	subscribed := len(s.subscribedCoins)
	s.subscribedMu.Unlock()

	stats := map[string]any{
		"subscribed_coins":            subscribed,
		"total_trades":                s.totalTrades.Load(),
		"total_invalid_trades":        s.totalInvalidTrades.Load(),
		"total_addresses_discovered":  s.totalAddressesFound.Load(),
		"total_liquidations_recorded": s.totalLiquidations.Load(),
		"pending_flush":               pending,
		"ws_connected":                s.wsConnected.Load(),
		"ws_healthy":                  s.Healthy(),
		"reconnect_count":             s.reconnectCount.Load(),
	}
	if last := s.lastTradeUnixMs.Load(); last > 0 {
		stats["last_trade_age_s"] = time.Since(time.UnixMilli(last)).Seconds()
	}
	return stats
}

// supervise runs connect→monitor in a loop, reconnecting after a fixed
// delay on any failure or liveness timeout.
func (s *Stream) supervise() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.runOnce(); err != nil {
			s.log.Error().Err(err).Msg("trade stream error, will reconnect")
		}
		s.wsConnected.Store(false)

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectDelay):
			s.reconnectCount.Add(1)
			s.log.Warn().Int64("attempt", s.reconnectCount.Load()).Msg("trade stream reconnecting")
		}
	}
}

// runOnce dials, subscribes to every coin and monitors until the socket
// dies, goes silent or the stream is stopped.
func (s *Stream) runOnce() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The stop signal must unblock the WS read.
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	metaCtx, metaCancel := context.WithTimeout(ctx, dialTimeout)
	meta, err := s.client.Meta(metaCtx)
	metaCancel()
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.wsURL, nil)
	dialCancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	coins := make([]string, 0, len(meta.Universe))
	for _, asset := range meta.Universe {
		coins = append(coins, asset.Name)
	}
	for _, coin := range coins {
		sub, _ := json.Marshal(map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type": "trades",
				"coin": coin,
			},
		})
		writeCtx, writeCancel := context.WithTimeout(ctx, readTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, sub)
		writeCancel()
		if err != nil {
			return err
		}
	}

	s.subscribedMu.Lock()
	s.subscribedCoins = coins
	s.subscribedMu.Unlock()
	s.wsConnected.Store(true)
	s.lastTradeUnixMs.Store(time.Now().UnixMilli())
	s.log.Info().Int("coins", len(coins)).Msg("trade stream subscribed")

	// Reader goroutine feeds trades; monitor loop below owns liveness
	// and address flushing.
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			s.handleMessage(data)
		}
	}()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.flushAddresses()
			return nil
		case err := <-readErr:
			s.flushAddresses()
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			s.flushAddresses()
			last := s.lastTradeUnixMs.Load()
			if silence := time.Since(time.UnixMilli(last)); silence > deadThreshold {
				s.log.Warn().Dur("silence", silence).Msg("no trades, forcing reconnect")
				return nil
			}
		}
	}
}

// handleMessage decodes one WS push and dispatches trades.
func (s *Stream) handleMessage(data []byte) {
	var msg exchange.WsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "trades" {
		return
	}
	var trades []exchange.WsTrade
	if err := json.Unmarshal(msg.Data, &trades); err != nil {
		return
	}
	s.handleTrades(trades)
}

// handleTrades validates, buffers and mines each trade. Invalid trades
// are counted and dropped; liquidation write failures never propagate.
func (s *Stream) handleTrades(trades []exchange.WsTrade) {
	now := time.Now()
	s.lastTradeUnixMs.Store(now.UnixMilli())

	for i := range trades {
		t := &trades[i]
		px := t.Px.Float()
		sz := t.Sz.Float()
		if t.Coin == "" || px <= 0 || sz <= 0 || (t.Side != "B" && t.Side != "A") {
			s.totalInvalidTrades.Add(1)
			continue
		}
		s.totalTrades.Add(1)

		s.registry.Append(market.Trade{
			Coin:   t.Coin,
			Side:   t.Side,
			Px:     px,
			Sz:     sz,
			TimeMS: t.Time,
		})

		if t.IsLiquidation() {
			s.recordLiquidation(t, px, sz, now)
		}

		for _, addr := range t.Users {
			if len(addr) < minAddressLen {
				continue
			}
			s.noteAddress(strings.ToLower(addr), float64(now.Unix()))
		}
	}
}

// recordLiquidation writes one liquidation event if the notional clears
// the dust threshold. A buy-side taker liquidates a short; a sell-side
// taker liquidates a long.
func (s *Stream) recordLiquidation(t *exchange.WsTrade, px, sz float64, now time.Time) {
	sizeUSD := px * sz
	if sizeUSD < 0 {
		sizeUSD = -sizeUSD
	}
	if sizeUSD < minLiquidationUSD {
		return
	}

	side := "long"
	if t.Side == "B" {
		side = "short"
	}
	var addr any
	if len(t.Users) > 0 && len(t.Users[0]) >= minAddressLen {
		addr = strings.ToLower(t.Users[0])
	}

	err := s.db.WithWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO liquidation_events (coin, occurred_at, side, size_usd, price, address) VALUES (?, ?, ?, ?, ?, ?)",
			t.Coin, float64(now.Unix()), side, sizeUSD, px, addr,
		)
		return err
	})
	if err != nil {
		s.log.Debug().Err(err).Str("coin", t.Coin).Msg("liquidation write failed")
		return
	}
	s.totalLiquidations.Add(1)
}

// noteAddress accumulates a discovery in the pending map.
func (s *Stream) noteAddress(addr string, now float64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if p, ok := s.pending[addr]; ok {
		p.lastSeen = now
		p.count++
		return
	}
	s.pending[addr] = &pendingAddr{firstSeen: now, lastSeen: now, count: 1}
}

// flushAddresses batch-upserts pending discoveries. last_seen takes the
// MAX of old and new; trade_count accumulates. The newly-inserted count
// is the COUNT(*) delta inside the same critical section.
func (s *Stream) flushAddresses() {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]*pendingAddr)
	s.pendingMu.Unlock()

	var newlyInserted int64
	err := s.db.WithWriteTx(func(tx *sql.Tx) error {
		var before, after int64
		if err := tx.QueryRow("SELECT COUNT(*) FROM addresses").Scan(&before); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
INSERT INTO addresses (address, first_seen, last_seen, trade_count)
VALUES (?, ?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
    last_seen = MAX(last_seen, excluded.last_seen),
    trade_count = trade_count + excluded.trade_count`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for addr, p := range batch {
			if _, err := stmt.Exec(addr, p.firstSeen, p.lastSeen, p.count); err != nil {
				return err
			}
		}
		if err := tx.QueryRow("SELECT COUNT(*) FROM addresses").Scan(&after); err != nil {
			return err
		}
		newlyInserted = after - before
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Int("batch", len(batch)).Msg("address flush failed")
		return
	}
	s.totalAddressesFound.Add(newlyInserted)
}
