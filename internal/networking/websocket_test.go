package networking

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"owg/server/internal/broadcast"
	"owg/server/internal/ingest"
	"owg/server/internal/logging"
	"owg/server/internal/protocol"
	"owg/server/internal/sim"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	authority := sim.NewAuthority(sim.New("W-TEST"))
	ing := ingest.New(authority, broadcast.NewHub(), ingest.WithLogger(logging.NewTestLogger()))
	opts = append([]Option{WithLogger(logging.NewTestLogger())}, opts...)
	server := NewServer(ing, opts...)
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, httpServer
}

func wsURL(httpServer *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope[protocol.Event] {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	env, err := protocol.DecodeEventEnvelope(raw)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return env
}

func waitForActive(t *testing.T, server *Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d active sessions, got %d", want, server.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerSendsSnapshotAndAnswersPing(t *testing.T) {
	meter := NewTrafficMeter(nil)
	server, httpServer := newTestServer(t, WithTrafficMeter(meter))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	//1.- The first frame is always a full snapshot.
	first := readEvent(t, conn)
	if snap, ok := first.Body.Evt.(protocol.Snapshot); !ok || !snap.Full {
		t.Fatalf("expected full snapshot first, got %#v", first.Body.Evt)
	}

	//2.- A Ping round trips through the ingestor and comes back as Pong.
	raw, err := json.Marshal(protocol.NewCommandEnvelope(0, protocol.Ping{Nonce: "n1"}))
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	reply := readEvent(t, conn)
	if pong, ok := reply.Body.Evt.(protocol.Pong); !ok || pong.Nonce != "n1" {
		t.Fatalf("expected pong, got %#v", reply.Body.Evt)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		totals := meter.Totals()
		if totals.MessagesIn == 1 && totals.MessagesOut == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected traffic totals %+v", totals)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if server.Active() != 1 {
		t.Fatalf("expected one active session, got %d", server.Active())
	}
}

func TestServerEnforcesMaxClients(t *testing.T) {
	server, httpServer := newTestServer(t, WithMaxClients(1))

	first, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer), nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	waitForActive(t, server, 1)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(httpServer), nil)
	if err == nil {
		t.Fatalf("expected second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}

	//1.- Closing the first client frees the slot.
	first.Close()
	waitForActive(t, server, 0)
	second, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer), nil)
	if err != nil {
		t.Fatalf("dial after slot freed: %v", err)
	}
	second.Close()
}

func TestServerMaxClientsHoldsUnderConcurrentDials(t *testing.T) {
	server, httpServer := newTestServer(t, WithMaxClients(2))

	const dialers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		conns   []*websocket.Conn
		refused atomic.Int64
	)
	start := make(chan struct{})
	url := wsURL(httpServer)
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
					refused.Add(1)
				}
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	//1.- Every dial is held open, so exactly the configured number may attach.
	if len(conns) != 2 || refused.Load() != dialers-2 {
		t.Fatalf("expected 2 attached and %d refused, got %d attached %d refused", dialers-2, len(conns), refused.Load())
	}
	waitForActive(t, server, 2)
}

func TestServerReleasesSlotOnRejectedHandshake(t *testing.T) {
	server, httpServer := newTestServer(t, WithMaxClients(1), WithAllowedOrigins([]string{"https://ok.example"}))

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	for i := 0; i < 3; i++ {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(httpServer), header)
		if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403 for foreign origin, got %v %+v", err, resp)
		}
	}

	//1.- A plain request fails the upgrade and must hand the slot back too.
	resp, err := http.Get(httpServer.URL)
	if err != nil {
		t.Fatalf("plain get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatalf("expected plain request to fail the upgrade")
	}
	if server.Active() != 0 {
		t.Fatalf("expected no reserved slots, got %d", server.Active())
	}

	header.Set("Origin", "https://ok.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer), header)
	if err != nil {
		t.Fatalf("expected the single slot to be free: %v", err)
	}
	defer conn.Close()
	waitForActive(t, server, 1)
}

func TestServerRejectsUnknownOrigin(t *testing.T) {
	_, httpServer := newTestServer(t, WithAllowedOrigins([]string{"https://ok.example"}))

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(httpServer), header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %v %+v", err, resp)
	}

	header.Set("Origin", "https://OK.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer), header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	conn.Close()
}

func TestServerCloseEndsSessions(t *testing.T) {
	server, httpServer := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readEvent(t, conn)
	waitForActive(t, server, 1)

	server.Close()
	waitForActive(t, server, 0)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected read to fail after server close")
	}
}
