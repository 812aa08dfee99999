package api

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsConn is the slice of *websocket.Conn the hub exercises; tests swap
// in an in-memory double.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Client is one WebSocket session. Writes are serialized by mu so
// concurrent broadcasts cannot interleave frames; the view it watches
// is mutable via set_view.
type Client struct {
	id   string
	hub  *Hub
	conn wsConn

	mu   sync.Mutex
	view []string // nil = aggregate
}

func newClient(hub *Hub, conn wsConn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
	}
}

// send writes one frame under the client's write lock with the
// per-client timeout.
func (c *Client) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) closeNow() {
	_ = c.conn.CloseNow()
}

func (c *Client) closeGoingAway() {
	_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
}

// View returns the watched view; nil means aggregate.
func (c *Client) View() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Client) setView(view []string) {
	normalized := normalizeView(view)
	c.mu.Lock()
	c.view = normalized
	c.mu.Unlock()
}

func (c *Client) aggregate() bool { return len(c.View()) == 0 }

// wantsNode reports whether a frame scoped to the named node should
// reach this client.
func (c *Client) wantsNode(name string) bool {
	view := c.View()
	return len(view) == 0 || slices.Contains(view, name)
}

// sendWelcome pushes the init frame and, when the client's view already
// has a cached payload, an immediate stats_update so the dashboard
// renders without waiting for the next tick.
func (c *Client) sendWelcome() {
	c.hub.sendFrame(c, initFrame{Type: frameInit, Nodes: c.hub.registry.Names()})
	if data, ok := c.hub.cachedPayload(viewKey(c.View())); ok {
		c.hub.deliver(c, data)
	}
}

// readLoop decodes client frames until the connection drops. Malformed
// JSON and unknown types are ignored; a read error is a silent
// disconnect.
func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.hub.evict(c, nil)
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, f clientFrame) {
	if f.Type == "set_view" {
		c.setView(f.View)
		if data, ok := c.hub.cachedPayload(viewKey(c.View())); ok {
			c.hub.deliver(c, data)
		}
		return
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	switch f.Type {
	case "get_historical_performance":
		c.hub.sendHistoricalPerformance(qctx, c, f)
	case "get_aggregated_performance":
		c.hub.sendAggregatedPerformance(qctx, c, f)
	case "get_hashstore_stats":
		c.hub.sendHashstoreStats(qctx, c, f)
	case "get_reputation_data":
		c.hub.sendReputation(qctx, c, f)
	case "get_latency_stats":
		c.hub.sendLatencyStats(qctx, c, f)
	case "get_latency_histogram":
		c.hub.sendLatencyHistogram(qctx, c, f)
	case "get_storage_data":
		c.hub.sendStorageData(qctx, c, f)
	case "get_storage_history":
		c.hub.sendStorageHistory(qctx, c, f)
	case "get_active_alerts":
		c.hub.sendActiveAlerts(qctx, c, f)
	case "acknowledge_alert":
		c.hub.acknowledgeAlert(qctx, f)
	case "get_insights":
		c.hub.sendInsights(qctx, c, f)
	case "get_alert_summary":
		c.hub.sendAlertSummary(qctx, c)
	case "get_earnings_data":
		c.hub.sendEarningsData(qctx, c, f)
	case "get_earnings_history":
		c.hub.sendEarningsHistory(qctx, c, f)
	case "get_comparison_data":
		c.hub.sendComparisonData(qctx, c, f)
	default:
		// Unknown frame types are ignored, not a protocol error.
	}
}

// sessionTimeout keeps abandoned half-open connections from pinning
// resources forever; the browser reconnects transparently.
const sessionTimeout = 24 * time.Hour
