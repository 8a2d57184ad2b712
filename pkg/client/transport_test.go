package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_LifecycleAcrossServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Write(r.Context(), websocket.MessageText, []byte(`{"op_code":"OK"}`))
		ws.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateOpen {
		t.Fatalf("want open after dial, got %v", conn.State())
	}

	select {
	case raw, ok := <-conn.Frames():
		if !ok || len(raw) == 0 {
			t.Fatalf("want one raw frame, got ok=%v raw=%q", ok, raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	// The server hung up; the read loop finishes the transition.
	waitFor(t, func() bool { return conn.State() == StateClosed })
	select {
	case _, ok := <-conn.Frames():
		if ok {
			t.Fatal("unexpected extra frame after close")
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel left open after close")
	}

	// Send against a closed connection is a logged no-op, never a panic.
	conn.Send(context.Background(), protocol.NewEnvelope(protocol.OpConnect,
		protocol.ConnectRequest{UserID: "u1"}))
}

func TestConn_CloseTransitionsToClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	conn.Close()
	waitFor(t, func() bool { return conn.State() == StateClosed })

	// A second Close finds no Open state to swap and does nothing.
	conn.Close()

	select {
	case _, ok := <-conn.Frames():
		if ok {
			t.Fatal("unexpected frame after close")
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel left open after close")
	}
}

func TestConn_DialFailureIsConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no upgrade here", http.StatusNotFound)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, wsURL(srv), zap.NewNop()); !errors.Is(err, ErrConnect) {
		t.Fatalf("want ErrConnect, got %v", err)
	}
}
