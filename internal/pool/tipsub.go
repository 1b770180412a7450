package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// TipEvent is a newHeads notification: just enough to let the fetch
// service's chain-tip monitor skip a polling round trip.
type TipEvent struct {
	Height uint64
	Hash   string
}

// TipSubscriber pushes newHeads notifications from a WebSocket endpoint,
// reconnecting with backoff on disconnect. It is an optional accelerant for
// the chain-tip monitor — the fetch service must keep polling as a
// fallback, since not every configured endpoint offers a WS URL.
type TipSubscriber struct {
	wsURL string
	log   *logger.Logger

	conn   *websocket.Conn
	events chan TipEvent
	cancel context.CancelFunc
}

// NewTipSubscriber builds a subscriber for the given WebSocket URL.
func NewTipSubscriber(wsURL string, log *logger.Logger) *TipSubscriber {
	return &TipSubscriber{
		wsURL:  wsURL,
		log:    log,
		events: make(chan TipEvent, 16),
	}
}

// Start connects, subscribes to newHeads, and begins listening in the
// background. Returns an error only if the initial connection fails; later
// disconnects are handled by the internal reconnect loop.
func (s *TipSubscriber) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("tipsub: initial connect: %w", err)
	}
	go s.listen(runCtx)
	return nil
}

func (s *TipSubscriber) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	s.conn = conn

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []interface{}{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send eth_subscribe: %w", err)
	}
	s.log.Info("tip subscriber connected", "url", s.wsURL)
	return nil
}

func (s *TipSubscriber) listen(ctx context.Context) {
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Warn("tip subscriber read failed", "error", err.Error())
			if reconnErr := s.reconnectWithBackoff(ctx); reconnErr != nil {
				s.log.Error("tip subscriber giving up", "error", reconnErr.Error())
				return
			}
			continue
		}

		var env struct {
			Params struct {
				Result struct {
					Number string `json:"number"`
					Hash   string `json:"hash"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Params.Result.Number == "" {
			continue
		}
		var height uint64
		fmt.Sscanf(env.Params.Result.Number, "0x%x", &height)

		select {
		case s.events <- TipEvent{Height: height, Hash: env.Params.Result.Hash}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *TipSubscriber) reconnectWithBackoff(ctx context.Context) error {
	backoff := time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := s.connect(ctx); err == nil {
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("exhausted reconnect attempts")
}

// Events returns the channel of tip notifications.
func (s *TipSubscriber) Events() <-chan TipEvent {
	return s.events
}

// Stop tears down the subscription.
func (s *TipSubscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
