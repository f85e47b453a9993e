package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon/pkg/types"
)

const streamReadLimit = 512 * 1024

// Stream is a live websocket subscription to the server's fan-out hub.
// Frames arrives on C until the stream is closed by either side.
type Stream struct {
	conn *websocket.Conn
	C    <-chan *types.Frame

	frames chan *types.Frame
	done   chan struct{}
	err    error
}

// StreamOptions selects the initial subscriptions
type StreamOptions struct {
	TaskIDs  []string
	Channels []types.Channel
}

// OpenStream dials the /ws endpoint and starts reading frames. The first
// frame on C is the server's welcome.
func (c *Client) OpenStream(ctx context.Context, opts StreamOptions) (*Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("stream dial failed: %w", err)
	}
	conn.SetReadLimit(streamReadLimit)

	s := &Stream{
		conn:   conn,
		frames: make(chan *types.Frame, 64),
		done:   make(chan struct{}),
	}
	s.C = s.frames

	if len(opts.TaskIDs) > 0 || len(opts.Channels) > 0 {
		if err := s.Subscribe(opts.TaskIDs, opts.Channels); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go s.readLoop()
	return s, nil
}

// Subscribe asks the hub for frames about the given tasks and channels
func (s *Stream) Subscribe(taskIDs []string, channels []types.Channel) error {
	return s.conn.WriteJSON(&types.Frame{
		Type: types.FrameSubscribe,
		Data: subscribeData(taskIDs, channels),
	})
}

// Unsubscribe removes subscriptions added by Subscribe
func (s *Stream) Unsubscribe(taskIDs []string, channels []types.Channel) error {
	return s.conn.WriteJSON(&types.Frame{
		Type: types.FrameUnsubscribe,
		Data: subscribeData(taskIDs, channels),
	})
}

func subscribeData(taskIDs []string, channels []types.Channel) *types.SubscribeData {
	data := &types.SubscribeData{TaskIDs: taskIDs}
	for _, ch := range channels {
		data.Channels = append(data.Channels, string(ch))
	}
	return data
}

// Ping sends a liveness probe; the server answers with a pong frame
func (s *Stream) Ping() error {
	return s.conn.WriteJSON(&types.Frame{Type: types.FramePing})
}

// Err reports why the stream ended, nil on clean close
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close sends a close frame and tears down the connection
func (s *Stream) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

func (s *Stream) readLoop() {
	defer close(s.frames)
	defer close(s.done)

	for {
		var frame types.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.err = err
			}
			return
		}
		s.frames <- &frame
	}
}

// DecodeData unmarshals a received frame's payload into out. Payloads arrive
// as generic JSON; this re-marshals into the typed shape.
func DecodeData(frame *types.Frame, out interface{}) error {
	raw, err := json.Marshal(frame.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// escapeChannel keeps query building in one place for SSE URLs
func escapeChannel(ch types.Channel) string {
	return url.QueryEscape(string(ch))
}

// SSEURL returns the one-way stream URL carrying the same subscriptions,
// for callers that cannot hold a websocket.
func (c *Client) SSEURL(opts StreamOptions) string {
	q := url.Values{}
	if len(opts.TaskIDs) > 0 {
		q.Set("task_ids", strings.Join(opts.TaskIDs, ","))
	}
	if len(opts.Channels) > 0 {
		parts := make([]string, len(opts.Channels))
		for i, ch := range opts.Channels {
			parts[i] = escapeChannel(ch)
		}
		q.Set("channels", strings.Join(parts, ","))
	}
	u := c.baseURL + "/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
