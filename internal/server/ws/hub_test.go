package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/fanout"
)

type hubFixture struct {
	hub    *Hub
	source *fanout.Broadcaster
	url    string
}

func startHub(t *testing.T, origins []string) *hubFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := fanout.New(logger)
	hub := NewHub(source, origins, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()
	require.Eventually(t, func() bool { return source.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return &hubFixture{hub: hub, source: source, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	return conn
}

// readFrame returns the next frame's type and raw body.
func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var head struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &head))
	return head.Type, data
}

func TestHubStreamsSubscribedEvents(t *testing.T) {
	f := startHub(t, nil)
	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(control{Action: "unsubscribe", Events: []string{allEvents}}))
	typ, _ := readFrame(t, conn)
	require.Equal(t, "subscribed", typ)
	require.NoError(t, conn.WriteJSON(control{Action: "subscribe", Events: []string{"market.settled"}}))
	typ, data := readFrame(t, conn)
	require.Equal(t, "subscribed", typ)
	var ack struct {
		Payload filter `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, []string{"market.settled"}, ack.Payload.Events)

	ctx := context.Background()
	f.source.Publish(ctx, domain.Event{ID: "skip", Type: domain.EventMarketCreated})
	f.source.Publish(ctx, domain.Event{ID: "keep", Type: domain.EventMarketSettled, MarketID: "0x01"})

	typ, data = readFrame(t, conn)
	assert.Equal(t, string(domain.EventMarketSettled), typ)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "keep", ev.ID)
}

func TestHubFiltersByMarket(t *testing.T) {
	f := startHub(t, nil)
	conn := f.dial(t)

	pre := common.HexToHash("0x01")
	onChain := common.HexToHash("0xbeef")
	// Subscribe by the pre-deployment id, in upper case without 0x.
	require.NoError(t, conn.WriteJSON(control{
		Action:  "subscribe",
		Markets: []string{strings.ToUpper(pre.Hex()[2:])},
	}))
	typ, _ := readFrame(t, conn)
	require.Equal(t, "subscribed", typ)

	ctx := context.Background()
	f.source.Publish(ctx, domain.Event{ID: "other", Type: domain.EventMarketCreated, MarketID: domain.CanonicalHex(common.HexToHash("0x02"))})
	f.source.Publish(ctx, domain.Event{
		ID:       "mine",
		Type:     domain.EventMarketDeployed,
		MarketID: domain.CanonicalHex(onChain),
		Market:   &domain.Market{PreDeployID: pre, OnChainID: &onChain},
	})

	_, data := readFrame(t, conn)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "mine", ev.ID)
}

func TestHubRejectsBadControl(t *testing.T) {
	f := startHub(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"shout"}`)))
	typ, _ := readFrame(t, conn)
	assert.Equal(t, "error", typ)
}

func TestHubOriginCheck(t *testing.T) {
	f := startHub(t, []string{"https://app.example"})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://APP.example")
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestClientFilterMatching(t *testing.T) {
	c := newClient(nil, nil, "")
	assert.True(t, c.wants(domain.Event{Type: domain.EventMarketDeployed}))
	assert.False(t, c.wants(domain.Event{Type: "other"}))

	c.apply(control{Action: "unsubscribe", Events: []string{allEvents}})
	c.apply(control{Action: "subscribe", Events: []string{"market.settled"}})
	assert.True(t, c.wants(domain.Event{Type: domain.EventMarketSettled}))
	assert.False(t, c.wants(domain.Event{Type: domain.EventMarketScored}))

	assert.False(t, c.apply(control{Action: "noop"}))
}
