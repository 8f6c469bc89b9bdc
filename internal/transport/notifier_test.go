package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonkit/salonsync/internal/config"
	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
)

var upgrader = websocket.Upgrader{}

func notifyServer(t *testing.T, messages []string) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, msg := range messages {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNotifierStreamsAnnouncements(t *testing.T) {
	url := notifyServer(t, []string{
		`{"entity":"appointment"}`,
		`not json`,
		`{"entity":"widget"}`,
		`{"entity":"ticket"}`,
	})

	n := NewChangeNotifier(&config.APIConfig{
		NotifyURL: url,
		Token:     "test-token",
		UserAgent: "salonsync-test",
	}, events.Discard())
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := n.Notifications(ctx)
	require.NoError(t, err)

	// Malformed and unknown-entity messages are dropped silently.
	var got []models.EntityType
	for entity := range ch {
		got = append(got, entity)
		if len(got) == 2 {
			cancel()
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.EntityAppointment, got[0])
	assert.Equal(t, models.EntityTicket, got[1])
}

func TestNotifierRequiresURL(t *testing.T) {
	n := NewChangeNotifier(&config.APIConfig{}, events.Discard())

	_, err := n.Notifications(context.Background())
	assert.Error(t, err)
}
