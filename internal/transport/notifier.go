package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/salonkit/salonsync/internal/config"
	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
)

// changeMessage is one server announcement on the notify stream.
type changeMessage struct {
	Entity models.EntityType `json:"entity"`
}

// ChangeNotifier listens on the backend's WebSocket notify endpoint and
// surfaces "this entity changed" announcements. Purely advisory: a
// missed announcement costs one timer interval, nothing more.
type ChangeNotifier struct {
	url       string
	token     string
	userAgent string
	logger    *events.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewChangeNotifier creates a notifier for the configured endpoint.
func NewChangeNotifier(cfg *config.APIConfig, logger *events.Logger) *ChangeNotifier {
	return &ChangeNotifier{
		url:       cfg.NotifyURL,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "notifier"),
	}
}

// Notifications connects and streams change announcements. The channel
// closes when the connection drops or ctx is cancelled; the caller
// reconnects on its own schedule.
func (n *ChangeNotifier) Notifications(ctx context.Context) (<-chan models.EntityType, error) {
	if n.url == "" {
		return nil, fmt.Errorf("notify url not configured")
	}

	header := http.Header{}
	header.Set("User-Agent", n.userAgent)
	if n.token != "" {
		header.Set("Authorization", "Bearer "+n.token)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, n.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial notify stream: %w", err)
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	out := make(chan models.EntityType, 16)

	go func() {
		defer close(out)
		defer func() { _ = conn.Close() }()

		// Unblock ReadMessage when the context ends.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					n.logger.WithError(err).Debug("Notify stream closed")
				}
				return
			}

			var msg changeMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				n.logger.WithError(err).Warn("Bad notify message")
				continue
			}
			if !msg.Entity.Valid() {
				continue
			}

			select {
			case out <- msg.Entity:
			default:
				// Consumer is behind; a dropped hint only delays the
				// cycle until the next timer tick.
			}
		}
	}()

	return out, nil
}

// Close shuts the active connection, if any.
func (n *ChangeNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}
