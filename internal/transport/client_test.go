package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func startWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, rawURL string, policy TokenPolicy) *Client {
	t.Helper()
	c, err := New(rawURL, policy, WithBackoff(10*time.Millisecond, 50*time.Millisecond, 1.5))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClientReceivesStateMessage(t *testing.T) {
	ts := startWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"state","version":3,"playing":true,"index":0,"playlist":[]}`))
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)

	select {
	case m := <-c.Messages():
		if m.Type != "state" {
			t.Errorf("type = %q, want state", m.Type)
		}
		if v, _ := m.Fields["version"].(float64); v != 3 {
			t.Errorf("version = %v, want 3", m.Fields["version"])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestClientDropsMalformedFramesAndKeepsConnection(t *testing.T) {
	ts := startWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)

	select {
	case m := <-c.Messages():
		if m.Type != "pong" {
			t.Errorf("first delivered message type = %q, want pong", m.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestClientRoutesPhotoEvents(t *testing.T) {
	ts := startWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"photo","data":{"id":12,"photo_url":"https://img.example/1.jpg","name":"cake"}}`))
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)

	select {
	case p := <-c.Photos():
		if p.URL != "https://img.example/1.jpg" || p.ID != 12 || p.Name != "cake" {
			t.Errorf("unexpected photo %+v", p)
		}
	case <-c.Messages():
		t.Fatal("photo delivered as generic message")
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestClientReconnectsOnClose(t *testing.T) {
	var connectCount atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connectCount.Add(1) == 1 {
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"state","version":1}`))
		time.Sleep(200 * time.Millisecond)
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)

	select {
	case m := <-c.Messages():
		if m.Type != "state" {
			t.Errorf("type = %q, want state", m.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reconnect message")
	}
	if connectCount.Load() < 2 {
		t.Errorf("expected at least 2 connections, got %d", connectCount.Load())
	}
}

func TestClientPublishesStatus(t *testing.T) {
	ts := startWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)

	var sawConnected, sawDisconnected bool
	for !(sawConnected && sawDisconnected) {
		select {
		case s := <-c.Status():
			switch s.State {
			case StateConnected:
				sawConnected = true
			case StateDisconnected:
				if sawConnected {
					sawDisconnected = true
					if s.RetryIn <= 0 {
						t.Errorf("retry delay = %v, want > 0", s.RetryIn)
					}
				}
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for status transitions")
		}
	}
}

func TestClientTokenAsQueryParameter(t *testing.T) {
	got := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Query().Get("api_token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL+"/ws/player", TokenPolicy{Strategy: TokenQuery, Token: "s3cret", QueryKey: "api_token"})
	c.Start(ctx)

	select {
	case tok := <-got:
		if tok != "s3cret" {
			t.Errorf("token = %q, want s3cret", tok)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestClientTokenAsSubprotocol(t *testing.T) {
	got := make(chan []string, 1)
	up := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"bearer"},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- websocket.Subprotocols(r)
		if r.URL.Query().Get("token") != "" {
			t.Errorf("token leaked into query string")
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{Strategy: TokenSubprotocol, Token: "s3cret"})
	c.Start(ctx)

	select {
	case protos := <-got:
		if len(protos) != 2 || protos[0] != "bearer" || protos[1] != "s3cret" {
			t.Errorf("subprotocols = %v, want [bearer s3cret]", protos)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestClientSendReachesServer(t *testing.T) {
	received := make(chan map[string]string, 1)
	ts := startWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]string
		json.Unmarshal(data, &m)
		received <- m
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)

	for !c.Connected() {
		select {
		case <-ctx.Done():
			t.Fatal("never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := c.Send(map[string]string{"op": "register_device", "device_id": "dev-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-received:
		if m["op"] != "register_device" || m["device_id"] != "dev-1" {
			t.Errorf("unexpected frame %v", m)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", TokenPolicy{})
	if err := c.Send(map[string]string{"op": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientStopsOnContextCancel(t *testing.T) {
	ts := startWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, ts.URL, TokenPolicy{})
	c.Start(ctx)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after context cancel")
	}
	if _, ok := <-c.Messages(); ok {
		t.Fatal("messages channel should be closed")
	}
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"ftp://host/ws", "ws://", "://bad"} {
		if _, err := New(raw, TokenPolicy{}); err == nil {
			t.Errorf("New(%q) should fail", raw)
		}
	}
	if _, err := New("ws://host/ws", TokenPolicy{Strategy: "cookie"}); err == nil {
		t.Error("unknown strategy should fail")
	}
}
