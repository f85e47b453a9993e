package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/beaconhq/beacon/pkg/types"
)

var errSSEClosed = errors.New("hub: sse stream closed")

// sseTransport is the write-only server-sent-events adapter. Clients cannot
// send frames; subscriptions come in as query parameters on the request.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	remote  string

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// HandleSSE starts a server-sent-events stream. Subscriptions are taken from
// the task_ids and channels query parameters, comma separated.
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t := &sseTransport{
		w:       w,
		flusher: flusher,
		ctx:     r.Context(),
		remote:  r.RemoteAddr,
		closed:  make(chan struct{}),
	}

	opts := RegisterOptions{
		ClientID: r.URL.Query().Get("client_id"),
		Token:    r.URL.Query().Get("token"),
	}
	conn, err := h.RegisterWithOptions(t, opts)
	if err != nil {
		return
	}

	if sub := subscribeDataFromQuery(r); sub != nil {
		raw, _ := json.Marshal(sub)
		h.handleSubscribe(conn, raw, true)
	}

	// Hold the handler open until the stream ends; the response writer dies
	// with this goroutine.
	select {
	case <-t.closed:
	case <-r.Context().Done():
		h.unregister(conn, types.CloseNormal, "client gone")
	}
}

func subscribeDataFromQuery(r *http.Request) *types.SubscribeData {
	q := r.URL.Query()
	sub := &types.SubscribeData{}
	if v := q.Get("task_ids"); v != "" {
		sub.TaskIDs = strings.Split(v, ",")
	}
	if v := q.Get("channels"); v != "" {
		sub.Channels = strings.Split(v, ",")
	}
	if len(sub.TaskIDs) == 0 && len(sub.Channels) == 0 {
		return nil
	}
	return sub
}

func (t *sseTransport) WriteFrame(frame *types.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return errSSEClosed
	default:
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", frame.Type, payload); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// ReadFrame blocks until the stream ends; SSE clients cannot send frames.
func (t *sseTransport) ReadFrame() (*types.IncomingFrame, error) {
	select {
	case <-t.ctx.Done():
	case <-t.closed:
	}
	return nil, errSSEClosed
}

func (t *sseTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

func (t *sseTransport) RemoteAddr() string { return t.remote }

func (t *sseTransport) Name() string { return "sse" }
