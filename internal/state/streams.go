package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Listen keys expire after 60 minutes of silence; keep well inside that.
	listenKeyKeepAlive = 30 * time.Minute

	// Bounded per-connection queue between the read loop and the consumer.
	// A full queue drops the message rather than stalling the socket.
	streamQueueSize = 512

	readWait = 90 * time.Second
)

type accountUpdateEvent struct {
	EventTime int64 `json:"E"`
	Data      struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			CrossWallet   string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol     string `json:"s"`
			Amount     string `json:"pa"`
			EntryPrice string `json:"ep"`
			Unrealized string `json:"up"`
		} `json:"P"`
	} `json:"a"`
}

type orderTradeEvent struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol     string `json:"s"`
		ClientID   string `json:"c"`
		Side       string `json:"S"`
		Type       string `json:"o"`
		Qty        string `json:"q"`
		Price      string `json:"p"`
		StopPrice  string `json:"sp"`
		Status     string `json:"X"`
		OrderID    int64  `json:"i"`
		ReduceOnly bool   `json:"R"`
	} `json:"o"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

type tickerEvent struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// runPrivateStream owns the user data connection: it creates the listen key,
// dials, keeps the key alive, and reconnects with growing delay. A single
// consumer goroutine drains the queue so updates apply in arrival order.
func (s *Synchronizer) runPrivateStream(ctx context.Context, stop <-chan struct{}) {
	msgs := make(chan []byte, streamQueueSize)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for msg := range msgs {
			s.handlePrivateMessage(msg)
		}
	}()
	defer func() {
		close(msgs)
		<-consumerDone
	}()

	bo := newBackoff()
	for {
		if stopped(ctx, stop) {
			return
		}
		started := time.Now()
		err := s.privateSession(ctx, stop, msgs)
		if stopped(ctx, stop) {
			return
		}
		if errors.Is(err, errListenKeyExpired) {
			log.Printf("state: listen key expired, recycling user stream")
		} else {
			log.Printf("state: user stream disconnected: %v", err)
		}
		if time.Since(started) > time.Minute {
			bo.reset()
		}
		delay, ok := bo.next()
		if !ok {
			log.Printf("state: user stream gave up after %d reconnect attempts; private cache is frozen until restart", bo.maxAttempts)
			return
		}
		log.Printf("state: reconnecting user stream in %s (attempt %d/%d)", delay, bo.attempts, bo.maxAttempts)
		if !sleep(ctx, stop, delay) {
			return
		}
	}
}

func (s *Synchronizer) privateSession(ctx context.Context, stop <-chan struct{}, msgs chan<- []byte) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.UserStreamURL(listenKey), nil)
	if err != nil {
		return err
	}
	log.Printf("state: user stream connected")

	done := make(chan struct{})
	defer close(done)
	go s.keepAliveLoop(ctx, done, listenKey)
	go closeOnStop(conn, stop, done)

	return s.readLoop(conn, msgs, func(msg []byte) error {
		// An expired key ends the session; the reconnect path mints a new one.
		if bytes.Contains(msg, []byte("listenKeyExpired")) {
			return errListenKeyExpired
		}
		return nil
	})
}

func (s *Synchronizer) keepAliveLoop(ctx context.Context, done <-chan struct{}, listenKey string) {
	t := time.NewTicker(listenKeyKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("state: listen key keepalive failed: %v", err)
			}
		}
	}
}

// runPublicStream owns the multiplexed market data connection carrying kline
// and ticker streams for every symbol.
func (s *Synchronizer) runPublicStream(ctx context.Context, stop <-chan struct{}, symbols []string) {
	streams := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@kline_"+s.interval, lower+"@ticker")
	}
	url := s.client.CombinedStreamURL(streams)

	msgs := make(chan []byte, streamQueueSize)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for msg := range msgs {
			s.handlePublicMessage(msg)
		}
	}()
	defer func() {
		close(msgs)
		<-consumerDone
	}()

	bo := newBackoff()
	for {
		if stopped(ctx, stop) {
			return
		}
		started := time.Now()
		err := s.publicSession(ctx, stop, url, msgs)
		if stopped(ctx, stop) {
			return
		}
		log.Printf("state: market stream disconnected: %v", err)
		if time.Since(started) > time.Minute {
			bo.reset()
		}
		delay, ok := bo.next()
		if !ok {
			log.Printf("state: market stream gave up after %d reconnect attempts; candle/ticker caches are frozen until restart", bo.maxAttempts)
			return
		}
		log.Printf("state: reconnecting market stream in %s (attempt %d/%d)", delay, bo.attempts, bo.maxAttempts)
		if !sleep(ctx, stop, delay) {
			return
		}
	}
}

func (s *Synchronizer) publicSession(ctx context.Context, stop <-chan struct{}, url string, msgs chan<- []byte) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	log.Printf("state: market stream connected (%d streams)", strings.Count(url, "@"))

	done := make(chan struct{})
	defer close(done)
	go closeOnStop(conn, stop, done)

	return s.readLoop(conn, msgs, nil)
}

var errListenKeyExpired = errors.New("listen key expired")

// readLoop pumps frames from conn into the consumer queue until the
// connection dies or inspect rejects a frame. It always returns non-nil; the
// session owner decides whether the cause warrants a reconnect.
func (s *Synchronizer) readLoop(conn *websocket.Conn, msgs chan<- []byte, inspect func([]byte) error) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if inspect != nil {
			if err := inspect(msg); err != nil {
				return err
			}
		}
		select {
		case msgs <- msg:
		default:
			log.Printf("state: stream queue full, dropping message")
		}
	}
}

func (s *Synchronizer) handlePrivateMessage(msg []byte) {
	var env struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	switch env.Event {
	case "ACCOUNT_UPDATE":
		var ev accountUpdateEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("state: bad account update: %v", err)
			return
		}
		s.applyAccountUpdate(ev)
	case "ORDER_TRADE_UPDATE":
		var ev orderTradeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("state: bad order update: %v", err)
			return
		}
		s.applyOrderUpdate(ev)
	}
}

func (s *Synchronizer) handlePublicMessage(msg []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame.Data) == 0 {
		return
	}
	var env struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return
	}
	switch env.Event {
	case "kline":
		var ev klineEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return
		}
		s.applyKline(ev.Symbol, Candle{
			OpenTime:  ev.Kline.OpenTime,
			Open:      parseFloat(ev.Kline.Open),
			High:      parseFloat(ev.Kline.High),
			Low:       parseFloat(ev.Kline.Low),
			Close:     parseFloat(ev.Kline.Close),
			Volume:    parseFloat(ev.Kline.Volume),
			CloseTime: ev.Kline.CloseTime,
			Closed:    ev.Kline.Final,
		})
	case "24hrTicker":
		var ev tickerEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return
		}
		s.applyTicker(ev.Symbol, parseFloat(ev.LastPrice), time.UnixMilli(ev.EventTime))
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func closeOnStop(conn *websocket.Conn, stop <-chan struct{}, done <-chan struct{}) {
	select {
	case <-stop:
		_ = conn.Close()
	case <-done:
		_ = conn.Close()
	}
}
