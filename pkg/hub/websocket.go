package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon/pkg/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Writes are serialized; gorilla allows one concurrent writer.
type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
}

// HandleWebsocket upgrades an HTTP request and registers the connection
func (h *Hub) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(wsMaxFrameSize)

	t := &wsTransport{conn: ws, readTimeout: h.cfg.ClientTimeout}
	opts := RegisterOptions{
		ClientID: r.URL.Query().Get("client_id"),
		Token:    r.URL.Query().Get("token"),
	}
	if _, err := h.RegisterWithOptions(t, opts); err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket rejected")
	}
}

func (t *wsTransport) WriteFrame(frame *types.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) ReadFrame() (*types.IncomingFrame, error) {
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame types.IncomingFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		// Malformed JSON is a protocol violation, not a transient fault.
		t.Close(types.CloseProtocolViolation, "malformed frame")
		return nil, err
	}
	return &frame, nil
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Name() string { return "websocket" }
