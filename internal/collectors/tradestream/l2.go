package tradestream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/pkg/logger"
)

// Book is an in-memory order book snapshot for one coin. Bids and asks
// are (price, size) pairs sorted best-first.
type Book struct {
	Bids        [][2]float64 `json:"bids"`
	Asks        [][2]float64 `json:"asks"`
	Mid         float64      `json:"mid"`
	Spread      float64      `json:"spread"`
	SpreadBps   float64      `json:"spread_bps"`
	BidDepthUSD float64      `json:"bid_depth_usd"`
	AskDepthUSD float64      `json:"ask_depth_usd"`
	UpdatedAt   float64      `json:"updated_at"`
}

// L2Subscriber maintains live order book snapshots for a fixed coin
// list over the l2Book WebSocket channel. Zero REST weight.
type L2Subscriber struct {
	coins []string
	wsURL string
	log   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	books      map[string]*Book
	lastUpdate map[string]time.Time

	connected atomic.Bool
}

// NewL2Subscriber creates a subscriber for the given coins.
func NewL2Subscriber(coins []string, wsURL string, log zerolog.Logger) *L2Subscriber {
	return &L2Subscriber{
		coins:      coins,
		wsURL:      wsURL,
		log:        logger.Component(log, "l2_subscriber"),
		stopCh:     make(chan struct{}),
		books:      make(map[string]*Book),
		lastUpdate: make(map[string]time.Time),
	}
}

// Start launches the supervisor goroutine.
func (l *L2Subscriber) Start() {
	l.wg.Add(1)
	go l.supervise()
}

// Stop signals shutdown and waits for the supervisor.
func (l *L2Subscriber) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Book returns the current snapshot for a coin, or nil.
func (l *L2Subscriber) Book(coin string) *Book {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[coin]
	if !ok {
		return nil
	}
	copied := *b
	return &copied
}

// Mid returns the current mid price for a coin, or 0.
func (l *L2Subscriber) Mid(coin string) float64 {
	if b := l.Book(coin); b != nil {
		return b.Mid
	}
	return 0
}

// Healthy reports whether every coin updated within the last 30s.
func (l *L2Subscriber) Healthy() bool {
	if !l.connected.Load() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, coin := range l.coins {
		if time.Since(l.lastUpdate[coin]) > deadThreshold {
			return false
		}
	}
	return true
}

// Stats reports subscriber counters.
func (l *L2Subscriber) Stats() map[string]any {
	l.mu.Lock()
	cached := len(l.books)
	l.mu.Unlock()
	return map[string]any{
		"connected":    l.connected.Load(),
		"healthy":      l.Healthy(),
		"coins":        l.coins,
		"books_cached": cached,
	}
}

func (l *L2Subscriber) supervise() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		if err := l.runOnce(); err != nil {
			l.log.Error().Err(err).Msg("l2 subscriber error, reconnecting")
		}
		l.connected.Store(false)
		select {
		case <-l.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *L2Subscriber) runOnce() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.wsURL, nil)
	dialCancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	for _, coin := range l.coins {
		sub, _ := json.Marshal(map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type": "l2Book",
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
	l.connected.Store(true)
	l.log.Info().Int("coins", len(l.coins)).Msg("l2 subscriber connected")

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.handleMessage(data)
	}
}

func (l *L2Subscriber) handleMessage(data []byte) {
	var msg exchange.WsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "l2Book" {
		return
	}
	var book exchange.WsBook
	if err := json.Unmarshal(msg.Data, &book); err != nil {
		return
	}
	if book.Coin == "" || len(book.Levels) < 2 {
		return
	}

	toPairs := func(levels []exchange.WsBookLevel) ([][2]float64, float64) {
		pairs := make([][2]float64, 0, len(levels))
		depth := 0.0
		for _, lvl := range levels {
			px := lvl.Px.Float()
			sz := lvl.Sz.Float()
			pairs = append(pairs, [2]float64{px, sz})
			depth += px * sz
		}
		return pairs, depth
	}

	bids, bidDepth := toPairs(book.Levels[0])
	asks, askDepth := toPairs(book.Levels[1])

	var bestBid, bestAsk float64
	if len(bids) > 0 {
		bestBid = bids[0][0]
	}
	if len(asks) > 0 {
		bestAsk = asks[0][0]
	}
	var mid, spread, spreadBps float64
	if bestBid > 0 && bestAsk > 0 {
		mid = (bestBid + bestAsk) / 2
		spread = bestAsk - bestBid
		spreadBps = spread / mid * 10000
	}

	snapshot := &Book{
		Bids:        bids,
		Asks:        asks,
		Mid:         mid,
		Spread:      spread,
		SpreadBps:   spreadBps,
		BidDepthUSD: bidDepth,
		AskDepthUSD: askDepth,
		UpdatedAt:   float64(time.Now().Unix()),
	}

	l.mu.Lock()
	l.books[book.Coin] = snapshot
	l.lastUpdate[book.Coin] = time.Now()
	l.mu.Unlock()
}
