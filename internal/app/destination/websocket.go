package destination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

const (
	wsDefaultQueue        = 256
	wsWriteTimeout        = 5 * time.Second
	wsMaxReconnectBackoff = 30 * time.Second
)

// Websocket streams every accepted event as one JSON text frame to a live endpoint.
// Delivery is best effort: frames queued while disconnected are kept up to the queue size.
type Websocket struct {
	key    string
	url    string
	logger observability.Logger
	queue  chan []byte

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn
}

// WebsocketOption configures a Websocket destination.
type WebsocketOption func(*Websocket)

// WithQueueSize bounds the frames buffered while the connection is down.
func WithQueueSize(n int) WebsocketOption {
	return func(w *Websocket) {
		if n > 0 {
			w.queue = make(chan []byte, n)
		}
	}
}

// WithWebsocketLogger sets the destination logger.
func WithWebsocketLogger(logger observability.Logger) WebsocketOption {
	return func(w *Websocket) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWebsocket creates an idle destination; the connection opens on the first Send.
func NewWebsocket(key, url string, opts ...WebsocketOption) (*Websocket, error) {
	key = strings.TrimSpace(key)
	url = strings.TrimSpace(url)
	if key == "" || url == "" {
		return nil, errs.New("destination/websocket", errs.CodeInvalid, errs.WithMessage("key and url required"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Websocket{
		key:    key,
		url:    url,
		logger: observability.Log(),
		queue:  make(chan []byte, wsDefaultQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Key returns the destination key.
func (w *Websocket) Key() string { return w.key }

// Send encodes the event and queues it. A full queue rejects the frame.
func (w *Websocket) Send(_ context.Context, e event.Event) error {
	if w.ctx.Err() != nil {
		return errs.New("destination/websocket", errs.CodeUnavailable, errs.WithMessage("destination closed"))
	}
	frame, err := json.Marshal(e)
	if err != nil {
		return errs.New("destination/websocket", errs.CodeInvalid, errs.WithMessage("encode event"), errs.WithCause(err))
	}
	w.startOnce.Do(func() {
		w.wg.Go(w.connectLoop)
	})
	select {
	case w.queue <- frame:
		return nil
	default:
		return errs.New("destination/websocket", errs.CodeRateLimited,
			errs.WithMessage("live queue full"), errs.WithField("destination", w.key))
	}
}

// Close stops the writer and closes the connection.
func (w *Websocket) Close(_ context.Context) error {
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
	return nil
}

func (w *Websocket) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectBackoff

	for {
		if w.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(w.ctx, w.url, nil)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Warn("live destination dial failed",
				observability.F("destination", w.key), observability.Err(err))
			if !w.sleep(backoffCfg) {
				return
			}
			continue
		}
		backoffCfg.Reset()
		w.setConn(conn)

		err = w.writeLoop(conn)
		w.setConn(nil)
		if errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "")
		w.logger.Warn("live destination disconnected",
			observability.F("destination", w.key), observability.Err(err))
		if !w.sleep(backoffCfg) {
			return
		}
	}
}

func (w *Websocket) writeLoop(conn *websocket.Conn) error {
	// the peer never sends; reading keeps control frames flowing and detects closure
	readCtx := conn.CloseRead(w.ctx)
	for {
		select {
		case <-w.ctx.Done():
			return context.Canceled
		case <-readCtx.Done():
			return fmt.Errorf("connection closed by peer")
		case frame := <-w.queue:
			writeCtx, cancel := context.WithTimeout(w.ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if w.ctx.Err() != nil {
					return context.Canceled
				}
				return fmt.Errorf("write frame: %w", err)
			}
		}
	}
}

func (w *Websocket) sleep(b *backoff.ExponentialBackOff) bool {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = wsMaxReconnectBackoff
	}
	select {
	case <-w.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (w *Websocket) setConn(conn *websocket.Conn) {
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
}

// Connected reports whether a live connection is open.
func (w *Websocket) Connected() bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	return w.conn != nil
}
