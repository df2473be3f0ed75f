package portfolio_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zave/portfolio-engine/internal/portfolio"
)

func newHubServer(t *testing.T) (*portfolio.WSHub, context.CancelFunc, <-chan struct{}, string) {
	t.Helper()
	hub := portfolio.NewWSHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)
	return hub, cancel, stopped, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSHub_BroadcastReachesClient(t *testing.T) {
	hub, _, _, url := newHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(portfolio.WSMessage{Type: portfolio.MessagePriceUpdate, CoinID: "bitcoin", Price: "5000"})

	var msg portfolio.WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, portfolio.MessagePriceUpdate, msg.Type)
	assert.Equal(t, "bitcoin", msg.CoinID)
}

func TestWSHub_ShutdownReleasesClients(t *testing.T) {
	hub, cancel, stopped, url := newHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop while a client was connected")
	}
	assert.Zero(t, hub.Clients())

	// Upgrades after shutdown are closed instead of waiting for a hub loop.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "late connection was left open: %v", err)
}
