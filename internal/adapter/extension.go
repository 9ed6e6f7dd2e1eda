package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
)

// inboundMessage is a push message received over the extension's websocket.
type inboundMessage struct {
	Type     string         `json:"type"`
	RecordID string         `json:"recordId"`
	Category string         `json:"category"`
	Content  map[string]any `json:"content"`
	Action   string         `json:"action"`
	Error    string         `json:"error"`
}

// ExtensionAdapter talks to a browser-style extension over HTTP and keeps
// an optional websocket open for pushed changes.
type ExtensionAdapter struct {
	base

	// openMu serializes opening and closing the push channel.
	openMu sync.Mutex
	wsMu   sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExtensionAdapter creates an adapter for an http-extension platform.
func NewExtensionAdapter(cfg Config, platformID string) *ExtensionAdapter {
	cfg.Kind = model.KindHTTPExtension
	return &ExtensionAdapter{base: newBase(cfg, platformID)}
}

// Connect probes /health and, when reachable, opens the push channel.
func (a *ExtensionAdapter) Connect(ctx context.Context) bool {
	if !a.connectEndpoint(ctx, "health") {
		return false
	}
	if err := a.openPushChannel(ctx); err != nil {
		logging.Warn("websocket push channel unavailable",
			logging.Platform(a.platformID),
			logging.Err(err),
		)
		a.emit(ctx, eventbus.TypePlatformError, map[string]any{"error": err.Error()})
	}
	return true
}

// openPushChannel dials the websocket and starts its receive loop. It does
// nothing while the endpoint is degraded, when no websocket is configured
// or when a channel is already open.
func (a *ExtensionAdapter) openPushChannel(ctx context.Context) error {
	a.openMu.Lock()
	defer a.openMu.Unlock()
	if !a.live() || a.cfg.WebSocketURL == "" || !a.isConnected() {
		return nil
	}
	a.wsMu.Lock()
	open := a.conn != nil
	a.wsMu.Unlock()
	if open {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: &http.Client{Timeout: 8 * time.Second}}
	if a.cfg.Credential != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + a.cfg.Credential}}
	}
	conn, _, err := websocket.Dial(dialCtx, a.cfg.WebSocketURL, opts)
	if err != nil {
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.wsMu.Lock()
	a.conn = conn
	a.cancel = loopCancel
	a.wsMu.Unlock()

	a.wg.Add(1)
	go a.receive(loopCtx, conn)
	return nil
}

// receive reads push messages until the connection closes or the adapter
// disconnects.
func (a *ExtensionAdapter) receive(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()
	defer func() {
		a.wsMu.Lock()
		if a.conn == conn {
			a.cancel()
			a.conn, a.cancel = nil, nil
		}
		a.wsMu.Unlock()
		_ = conn.CloseNow()
	}()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Debug("websocket closed", logging.Platform(a.platformID), logging.Err(err))
				a.emit(ctx, eventbus.TypePlatformError, map[string]any{"error": "push channel closed: " + err.Error()})
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		a.handleMessage(ctx, msg)
	}
}

func (a *ExtensionAdapter) handleMessage(ctx context.Context, msg inboundMessage) {
	switch msg.Type {
	case "data_update":
		a.emit(ctx, eventbus.TypeDataReceived, map[string]any{
			"record_id": msg.RecordID,
			"category":  msg.Category,
			"content":   msg.Content,
		})
	case "user_action":
		a.emit(ctx, eventbus.TypeCustom, map[string]any{
			"action":  msg.Action,
			"content": msg.Content,
		})
	case "error":
		a.emit(ctx, eventbus.TypePlatformError, map[string]any{"error": msg.Error})
	}
}

// Disconnect closes the push channel and waits for the receive loop.
func (a *ExtensionAdapter) Disconnect(ctx context.Context) bool {
	a.openMu.Lock()
	defer a.openMu.Unlock()
	a.wsMu.Lock()
	conn, cancel := a.conn, a.cancel
	a.conn, a.cancel = nil, nil
	a.wsMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	a.wg.Wait()
	return a.disconnect(ctx)
}

// SyncData posts the delivery to /sync, falling back to the file store.
func (a *ExtensionAdapter) SyncData(ctx context.Context, category model.Category, d model.Delivery) bool {
	d.Category = category
	return a.deliver(ctx, d, a.writeFile)
}

// GetData reads /data/{category}/{recordId}, falling back to the file store.
func (a *ExtensionAdapter) GetData(ctx context.Context, category model.Category, recordID string) (map[string]any, bool) {
	return a.read(ctx, category, recordID)
}

// HealthCheck probes /health. A healthy endpoint without a push channel,
// because it was down at Connect or the socket dropped, gets one reopened.
func (a *ExtensionAdapter) HealthCheck(ctx context.Context) bool {
	if !a.checkHealth(ctx, "health") {
		return false
	}
	if err := a.openPushChannel(ctx); err != nil {
		logging.Debug("websocket push channel still unavailable",
			logging.Platform(a.platformID),
			logging.Err(err),
		)
	}
	return true
}
