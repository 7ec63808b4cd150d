package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/model"
)

// wireBar is the over-the-wire bar shape from the live feed's websocket
// stream, modeled on the Massive/Polygon aggregate-bar JSON shape the
// teacher's HTTP poller (internal/data/massive.go's GetBars) already
// decodes, adapted here to a streamed push instead of a polled pull.
type wireBar struct {
	Symbol    string  `json:"sym"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	Timestamp int64   `json:"t"` // epoch millis
}

// symbolQueue is a bounded, rate-limited single-symbol bar buffer. A
// token-bucket limiter gates every push: a bar pushed while the limiter
// has no token is dropped (and logged), not queued. Bars pushed past
// capacity displace the oldest. push never blocks the feed reader.
type symbolQueue struct {
	mu      sync.Mutex
	buf     []model.Bar
	cap     int
	limiter *rate.Limiter
	notify  chan struct{}
}

func newSymbolQueue(capacity int) *symbolQueue {
	return &symbolQueue{
		cap:     capacity,
		limiter: rate.NewLimiter(rate.Limit(50), 50),
		notify:  make(chan struct{}, 1),
	}
}

func (q *symbolQueue) push(b model.Bar) {
	if !q.limiter.Allow() {
		logger.Event(logger.Error, "feed backpressure drop", "symbol", b.Symbol)
		return
	}
	q.mu.Lock()
	q.buf = append(q.buf, b)
	if len(q.buf) > q.cap {
		q.buf = q.buf[len(q.buf)-q.cap:]
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *symbolQueue) pop() (model.Bar, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return model.Bar{}, false
	}
	b := q.buf[0]
	q.buf = q.buf[1:]
	return b, true
}

func (q *symbolQueue) popBatch(k int) []model.Bar {
	q.mu.Lock()
	defer q.mu.Unlock()
	if k > len(q.buf) {
		k = len(q.buf)
	}
	out := append([]model.Bar(nil), q.buf[:k]...)
	q.buf = q.buf[k:]
	return out
}

// LiveSource connects to a streaming bar feed over a websocket, with a
// resty client used for the one-shot REST preload call and a backoff-
// governed reconnect loop keeping the socket alive, grounded on the live
// reconnect pattern observed across the pack's streaming clients and the
// teacher's own rate-limit retry loop in processGetRequest.
type LiveSource struct {
	wsURL      string
	restClient *resty.Client
	apiKey     string

	mu      sync.Mutex
	queues  map[string]*symbolQueue
	conn    *websocket.Conn
	connMu  sync.Mutex
	cancel  context.CancelFunc
	backoff *backoff.Backoff
}

// NewLiveSource builds a LiveSource pointed at a websocket URL (for the
// streaming push) and a REST base URL (for the preload-N batch fetch on
// Subscribe).
func NewLiveSource(wsURL, restBaseURL, apiKey string) *LiveSource {
	client := resty.New().
		SetBaseURL(restBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond)

	return &LiveSource{
		wsURL:      wsURL,
		restClient: client,
		apiKey:     apiKey,
		queues:     map[string]*symbolQueue{},
		backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Connect opens the websocket and starts the reconnect-governed read loop
// in the background. It makes one connection attempt and returns
// ErrFeedUnavailable if that attempt fails; later drops are handled by the
// read loop's reconnects.
func (l *LiveSource) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	conn, _, err := websocket.DefaultDialer.DialContext(runCtx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: %w: %v", ErrFeedUnavailable, err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	go l.readLoop(runCtx)
	return nil
}

// readLoop consumes frames until the context is cancelled, reconnecting
// with exponential backoff on any read error.
func (l *LiveSource) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Event(logger.Error, "feed websocket read error", "err", err)
			conn.Close()
			l.connMu.Lock()
			l.conn = nil
			l.connMu.Unlock()
			l.reconnect(ctx)
			continue
		}
		l.backoff.Reset()

		var wb wireBar
		if err := json.Unmarshal(raw, &wb); err != nil {
			logger.Event(logger.Error, "feed malformed frame", "err", err)
			continue
		}
		l.dispatch(wb)
	}
}

func (l *LiveSource) reconnect(ctx context.Context) {
	wait := l.backoff.Duration()
	logger.Event(logger.Info, "feed reconnecting", "wait", wait)
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		logger.Event(logger.Error, "feed reconnect failed", "err", err)
		return
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
}

func (l *LiveSource) dispatch(wb wireBar) {
	l.mu.Lock()
	q, ok := l.queues[wb.Symbol]
	l.mu.Unlock()
	if !ok {
		return // not subscribed; drop
	}
	q.push(model.Bar{
		Symbol:    wb.Symbol,
		Timestamp: time.UnixMilli(wb.Timestamp).UTC(),
		Open:      wb.Open,
		High:      wb.High,
		Low:       wb.Low,
		Close:     wb.Close,
		Volume:    wb.Volume,
	})
}

// preloadResp mirrors the REST preload endpoint's JSON envelope.
type preloadResp struct {
	Results []wireBar `json:"results"`
}

// Subscribe registers interest in a set of symbols and preloads the last
// preloadN bars for each via the REST client before the socket starts
// filling the queue live.
func (l *LiveSource) Subscribe(ctx context.Context, symbols []string, preloadN int) error {
	for _, sym := range symbols {
		l.mu.Lock()
		if _, ok := l.queues[sym]; !ok {
			l.queues[sym] = newSymbolQueue(4096)
		}
		q := l.queues[sym]
		l.mu.Unlock()

		if preloadN <= 0 {
			continue
		}
		var body preloadResp
		resp, err := l.restClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": sym,
				"limit":  fmt.Sprint(preloadN),
				"apiKey": l.apiKey,
			}).
			SetResult(&body).
			Get("/v2/bars/recent")
		if err != nil {
			return fmt.Errorf("feed: %w: %v", ErrFeedUnavailable, err)
		}
		if resp.IsError() {
			return fmt.Errorf("feed: %w: status=%d", ErrFeedUnavailable, resp.StatusCode())
		}
		for _, wb := range body.Results {
			wb.Symbol = sym
			q.push(model.Bar{
				Symbol:    sym,
				Timestamp: time.UnixMilli(wb.Timestamp).UTC(),
				Open:      wb.Open,
				High:      wb.High,
				Low:       wb.Low,
				Close:     wb.Close,
				Volume:    wb.Volume,
			})
		}
	}
	return nil
}

// NextBar polls the symbol's queue until a bar is available or timeout
// elapses, returning ResultNone on timeout (a caller should treat this as
// "nothing yet", not end-of-stream — a live feed never truly ends).
func (l *LiveSource) NextBar(ctx context.Context, symbol string, timeout time.Duration) (model.Bar, NextResult, error) {
	l.mu.Lock()
	q, ok := l.queues[symbol]
	l.mu.Unlock()
	if !ok {
		return model.Bar{}, ResultNone, ErrSymbolUnknown
	}
	if b, ok := q.pop(); ok {
		return b, ResultBar, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return model.Bar{}, ResultNone, ctx.Err()
	case <-timer.C:
		return model.Bar{}, ResultNone, nil
	case <-q.notify:
		if b, ok := q.pop(); ok {
			return b, ResultBar, nil
		}
		return model.Bar{}, ResultNone, nil
	}
}

// NextBatch drains up to k currently-buffered bars without waiting.
func (l *LiveSource) NextBatch(ctx context.Context, symbol string, k int) ([]model.Bar, error) {
	l.mu.Lock()
	q, ok := l.queues[symbol]
	l.mu.Unlock()
	if !ok {
		return nil, ErrSymbolUnknown
	}
	return q.popBatch(k), nil
}

// Close tears down the reconnect loop and the underlying socket.
func (l *LiveSource) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
