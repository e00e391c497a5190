package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

type fakeBackend struct {
	srv      *httptest.Server
	received chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{received: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conns = append(fb.conns, conn)
		fb.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fb.received <- data
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/ws/chat"
}

func (fb *fakeBackend) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		if len(fb.conns) == 0 {
			return false
		}
		conn = fb.conns[len(fb.conns)-1]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (fb *fakeBackend) connCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.conns)
}

func TestTransport_SendWithoutConnect(t *testing.T) {
	fb := newFakeBackend(t)
	tr := New(fb.url())

	err := tr.Send(map[string]any{"messages": []any{}})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, fb.connCount())
	select {
	case <-fb.received:
		t.Fatal("no frame expected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_ConnectFailure(t *testing.T) {
	tr := New("ws://127.0.0.1:1/ws/chat")
	err := tr.Connect(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConnectionFailure))
	require.Equal(t, StateDisconnected, tr.State())
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	fb := newFakeBackend(t)
	tr := New(fb.url())
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()
	require.Equal(t, StateOpen, tr.State())

	// a second Connect while open does not dial again
	require.NoError(t, tr.Connect(context.Background()))

	var mu sync.Mutex
	var got []chat.InboundEvent
	unsubscribe := tr.OnMessage(func(ev chat.InboundEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, tr.Send(map[string]string{"api_key": "k"}))
	select {
	case frame := <-fb.received:
		require.JSONEq(t, `{"api_key":"k"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received by backend")
	}

	srvConn := fb.latest(t)
	for _, f := range []string{
		`{"type":"content","data":"Hel"}`,
		`{"type":"content","data":"lo"}`,
		`{"type":"complete","data":[]}`,
	} {
		require.NoError(t, srvConn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, chat.EventContent, got[0].Type)
	require.Equal(t, "Hel", got[0].Block.Text)
	require.Equal(t, "lo", got[1].Block.Text)
	require.Equal(t, chat.EventComplete, got[2].Type)
	require.Equal(t, 1, fb.connCount())
}

func TestTransport_MalformedFrameIsDropped(t *testing.T) {
	fb := newFakeBackend(t)
	tr := New(fb.url())
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()

	events := make(chan chat.InboundEvent, 8)
	tr.OnMessage(func(ev chat.InboundEvent) { events <- ev })

	srvConn := fb.latest(t)
	require.NoError(t, srvConn.WriteMessage(websocket.TextMessage, []byte(`{oops`)))
	require.NoError(t, srvConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"content","data":"after"}`)))

	select {
	case ev := <-events:
		require.Equal(t, "after", ev.Block.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not continue after malformed frame")
	}
	require.Equal(t, StateOpen, tr.State())
}

func TestTransport_UnsubscribeIsIdempotent(t *testing.T) {
	tr := New("ws://unused")
	calls := 0
	unsubscribe := tr.OnMessage(func(chat.InboundEvent) { calls++ })
	other := tr.OnMessage(func(chat.InboundEvent) {})
	require.Equal(t, 2, tr.handlers.count())

	unsubscribe()
	unsubscribe()
	require.Equal(t, 1, tr.handlers.count())

	tr.handlers.dispatch(chat.NewCompleteEvent())
	require.Equal(t, 0, calls)

	other()
	other()
	require.Equal(t, 0, tr.handlers.count())
}

func TestTransport_UnsubscribeDuringDispatch(t *testing.T) {
	tr := New("ws://unused")
	var order []string
	var second func()
	first := tr.OnMessage(func(chat.InboundEvent) {
		order = append(order, "first")
		second()
	})
	second = tr.OnMessage(func(chat.InboundEvent) { order = append(order, "second") })
	tr.OnMessage(func(chat.InboundEvent) { order = append(order, "third") })

	tr.handlers.dispatch(chat.NewCompleteEvent())
	require.Equal(t, []string{"first", "third"}, order)

	first()
	order = nil
	tr.handlers.dispatch(chat.NewCompleteEvent())
	require.Equal(t, []string{"third"}, order)
}

func TestTransport_DisconnectIsSafeToRepeat(t *testing.T) {
	fb := newFakeBackend(t)
	closed := make(chan error, 1)
	tr := New(fb.url(), WithCloseHandler(func(err error) { closed <- err }))

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	require.Equal(t, StateDisconnected, tr.State())
	require.ErrorIs(t, tr.Send("x"), ErrNotConnected)

	select {
	case <-closed:
		t.Fatal("close handler must not fire for a local disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_RemoteCloseNotifies(t *testing.T) {
	fb := newFakeBackend(t)
	closed := make(chan error, 1)
	tr := New(fb.url(), WithCloseHandler(func(err error) { closed <- err }))
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, fb.latest(t).Close())

	select {
	case err := <-closed:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
	require.Equal(t, StateDisconnected, tr.State())
	require.ErrorIs(t, tr.Send("x"), ErrNotConnected)
}

func TestTransport_FrameObserverSeesBothDirections(t *testing.T) {
	fb := newFakeBackend(t)
	var mu sync.Mutex
	seen := map[string]int{}
	tr := New(fb.url(), WithFrameObserver(func(direction string, _ []byte) {
		mu.Lock()
		seen[direction]++
		mu.Unlock()
	}))
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()

	require.NoError(t, tr.Send("hi"))
	require.NoError(t, fb.latest(t).WriteMessage(websocket.TextMessage, []byte(`{"type":"complete"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[DirectionInbound] == 1 && seen[DirectionOutbound] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerRegistry_ChurnWithoutTrafficStaysBounded(t *testing.T) {
	r := newHandlerRegistry()
	keep := r.add(func(chat.InboundEvent) {})
	defer keep()

	for i := 0; i < 10000; i++ {
		r.add(func(chat.InboundEvent) {})()
	}

	r.mu.Lock()
	n := len(r.order)
	r.mu.Unlock()
	require.LessOrEqual(t, n, 16)
	require.Equal(t, 1, r.count())

	var got []string
	r.add(func(ev chat.InboundEvent) { got = append(got, string(ev.Type)) })
	r.dispatch(chat.NewCompleteEvent())
	require.Equal(t, []string{"complete"}, got)
}
