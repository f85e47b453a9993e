package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/progress"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

var (
	// ErrCapacity is returned when the connection limit is reached
	ErrCapacity = errors.New("hub: connection limit reached")

	// ErrShuttingDown rejects registrations after Stop
	ErrShuttingDown = errors.New("hub: shutting down")
)

// StatusSource resolves task state for get_status frames
type StatusSource interface {
	GetTask(ctx context.Context, id string) (*types.Task, bool, error)
}

// Hub owns every live client connection and fans events out to them.
// Task events reach the connections subscribed to that task id; channel
// subscriptions (progress, system, alerts) receive their own frame classes.
type Hub struct {
	cfg    config.HubConfig
	gw     *store.Gateway
	status StatusSource
	series *series.Store
	logger zerolog.Logger

	mu        sync.RWMutex
	conns     map[string]*Conn
	byTask    map[string]map[string]*Conn
	byChannel map[types.Channel]map[string]*Conn

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a hub. status and metricStore may be nil.
func New(gw *store.Gateway, status StatusSource, metricStore *series.Store, cfg config.HubConfig) *Hub {
	h := &Hub{
		cfg:       cfg,
		gw:        gw,
		status:    status,
		series:    metricStore,
		logger:    log.WithComponent("hub"),
		conns:     make(map[string]*Conn),
		byTask:    make(map[string]map[string]*Conn),
		byChannel: make(map[types.Channel]map[string]*Conn),
		stopCh:    make(chan struct{}),
	}
	for _, ch := range types.Channels() {
		h.byChannel[ch] = make(map[string]*Conn)
	}
	return h
}

// Start launches the event subscriber and the heartbeat monitor
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.gw.Subscribe(ctx, progress.ChannelProgressUpdates)
	if err != nil {
		return err
	}

	h.wg.Add(2)
	go h.subscribeLoop(sub)
	go h.heartbeatLoop()
	return nil
}

// Stop disconnects every client and stops background work
func (h *Hub) Stop() {
	h.stopped.Do(func() {
		close(h.stopCh)
	})

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c, types.CloseNormal, "server shutting down")
	}
	h.wg.Wait()
}

// RegisterOptions carries the optional client-supplied identity
type RegisterOptions struct {
	ClientID string
	Token    string
}

// Register admits an anonymous connection with a generated id
func (h *Hub) Register(t Transport) (*Conn, error) {
	return h.RegisterWithOptions(t, RegisterOptions{})
}

// RegisterWithOptions admits a new connection, sends the welcome frame, and
// starts its pumps. A supplied client id is kept unless it collides; a token
// is checked against the store and only tags the connection authenticated.
// At capacity the transport is closed with code 1013.
func (h *Hub) RegisterWithOptions(t Transport, opts RegisterOptions) (*Conn, error) {
	select {
	case <-h.stopCh:
		t.Close(types.CloseNormal, "server shutting down")
		return nil, ErrShuttingDown
	default:
	}

	authenticated := h.validToken(opts.Token)

	h.mu.Lock()
	if len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		t.Close(types.CloseCapacity, "server at capacity")
		return nil, ErrCapacity
	}

	id := opts.ClientID
	if id == "" {
		id = uuid.NewString()[:8]
	} else if _, taken := h.conns[id]; taken {
		id = uuid.NewString()[:8]
	}

	c := &Conn{
		ID:            id,
		CreatedAt:     time.Now(),
		Authenticated: authenticated,
		hub:           h,
		transport:     t,
		send:          make(chan *types.Frame, h.cfg.SendBuffer),
		done:          make(chan struct{}),
		tasks:         make(map[string]bool),
		channels:      make(map[types.Channel]bool),
	}
	c.touch()
	h.conns[c.ID] = c
	h.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	h.logger.Info().Str("conn_id", c.ID).Str("transport", t.Name()).
		Str("remote", t.RemoteAddr()).Bool("authenticated", authenticated).
		Msg("client connected")

	c.enqueue(types.NewFrame(types.FrameConnected, &types.ConnectedData{
		ClientID:          c.ID,
		Authenticated:     authenticated,
		ServerTime:        time.Now().UTC(),
		AvailableChannels: types.Channels(),
		HeartbeatInterval: int(h.cfg.HeartbeatInterval.Seconds()),
		Features: map[string]bool{
			"task_subscriptions":    true,
			"channel_subscriptions": true,
			"status_queries":        true,
		},
	}))

	go c.writePump()
	go c.readPump()
	return c, nil
}

// validToken checks a client token against the store. Empty tokens and
// store failures both come back anonymous; authentication gates nothing
// today beyond the welcome-frame flag.
func (h *Hub) validToken(token string) bool {
	if token == "" || h.gw == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := h.gw.Exists(ctx, "auth_token:"+token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("token validation failed")
		return false
	}
	return ok
}

// unregister removes a connection from every index and closes it. Idempotent.
func (h *Hub) unregister(c *Conn, code int, reason string) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; ok {
		delete(h.conns, c.ID)
		for taskID := range c.tasks {
			h.dropTaskIndex(taskID, c.ID)
		}
		for ch := range c.channels {
			delete(h.byChannel[ch], c.ID)
		}
		metrics.ConnectionsActive.Dec()
		h.logger.Info().Str("conn_id", c.ID).Str("reason", reason).Msg("client disconnected")
	}
	h.mu.Unlock()

	c.close(code, reason)
}

func (h *Hub) dropTaskIndex(taskID, connID string) {
	if set, ok := h.byTask[taskID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.byTask, taskID)
		}
	}
}

// handleFrame dispatches one client frame
func (h *Hub) handleFrame(c *Conn, frame *types.IncomingFrame) {
	switch frame.Type {
	case types.FrameSubscribe:
		h.handleSubscribe(c, frame.Data, true)
	case types.FrameUnsubscribe:
		h.handleSubscribe(c, frame.Data, false)
	case types.FramePing:
		// Echo the client's timestamp so it can measure round-trip time;
		// server time only when the ping carried none.
		var ping types.PingData
		if len(frame.Data) > 0 {
			_ = json.Unmarshal(frame.Data, &ping)
		}
		if ping.Timestamp == "" {
			ping.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
		c.enqueue(types.NewFrame(types.FramePong, &ping))
	case types.FrameGetStatus:
		h.handleGetStatus(c, frame.Data)
	default:
		c.enqueue(types.NewFrame(types.FrameErrorMsg, &types.ErrorData{
			Message: "unknown frame type: " + string(frame.Type),
		}))
	}
}

func (h *Hub) handleSubscribe(c *Conn, raw json.RawMessage, add bool) {
	var data types.SubscribeData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			c.enqueue(types.NewFrame(types.FrameErrorMsg, &types.ErrorData{
				Message: "malformed subscribe payload",
			}))
			return
		}
	}

	for _, name := range data.Channels {
		if !types.ValidChannel(name) {
			c.enqueue(types.NewFrame(types.FrameErrorMsg, &types.ErrorData{
				Message: "unknown channel: " + name,
			}))
			return
		}
	}

	h.mu.Lock()
	for _, taskID := range data.TaskIDs {
		if add {
			c.tasks[taskID] = true
			if h.byTask[taskID] == nil {
				h.byTask[taskID] = make(map[string]*Conn)
			}
			h.byTask[taskID][c.ID] = c
		} else {
			delete(c.tasks, taskID)
			h.dropTaskIndex(taskID, c.ID)
		}
	}
	for _, name := range data.Channels {
		ch := types.Channel(name)
		if add {
			c.channels[ch] = true
			h.byChannel[ch][c.ID] = c
		} else {
			delete(c.channels, ch)
			delete(h.byChannel[ch], c.ID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleGetStatus(c *Conn, raw json.RawMessage) {
	var data types.GetStatusData
	if err := json.Unmarshal(raw, &data); err != nil {
		c.enqueue(types.NewFrame(types.FrameErrorMsg, &types.ErrorData{
			Message: "malformed get_status payload",
		}))
		return
	}
	if h.status == nil {
		c.enqueue(types.NewFrame(types.FrameStatusResponse, &types.StatusResponseData{
			Tasks: map[string]*types.AggregateProgress{},
		}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(map[string]*types.AggregateProgress, len(data.TaskIDs))
	for _, id := range data.TaskIDs {
		task, found, err := h.status.GetTask(ctx, id)
		if err != nil || !found {
			out[id] = nil
			continue
		}
		out[id] = task.Progress
	}
	c.enqueue(types.NewFrame(types.FrameStatusResponse, &types.StatusResponseData{Tasks: out}))
}

// subscribeLoop consumes the progress_updates pub/sub stream
func (h *Hub) subscribeLoop(sub *store.Subscription) {
	defer h.wg.Done()
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var event types.TaskEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn().Err(err).Msg("undecodable event dropped")
				continue
			}
			h.DispatchEvent(&event)
		case <-h.stopCh:
			return
		}
	}
}

// DispatchEvent fans a task event out to the connections subscribed to the
// task. Exported so in-process producers can bypass pub/sub.
func (h *Hub) DispatchEvent(event *types.TaskEvent) {
	frame := types.NewFrame(frameTypeFor(event.Type), &types.ProgressUpdateData{
		TaskID:   event.TaskID,
		Kind:     event.Kind,
		Event:    event.Type,
		Stage:    event.Stage,
		Message:  event.Message,
		Error:    event.Error,
		Progress: event.Progress,
	})

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.byTask[event.TaskID]))
	for _, c := range h.byTask[event.TaskID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// frameTypeFor maps a task event to its outgoing frame type
func frameTypeFor(t types.EventType) types.FrameType {
	switch t {
	case types.EventStageStarted, types.EventStageCompleted:
		return types.FrameStageUpdate
	case types.EventTaskCompleted, types.EventTaskCancelled:
		return types.FrameTaskComplete
	case types.EventTaskFailed, types.EventStageFailed:
		return types.FrameTaskError
	default:
		return types.FrameProgressUpdate
	}
}

// BroadcastAlert sends a system_alert frame to the alerts channel
func (h *Hub) BroadcastAlert(alert *types.Alert) {
	h.broadcastChannel(types.ChannelAlerts, types.NewFrame(types.FrameSystemAlert, alert))
}

// BroadcastSystem sends a frame to the system channel
func (h *Hub) BroadcastSystem(frame *types.Frame) {
	h.broadcastChannel(types.ChannelSystem, frame)
}

func (h *Hub) broadcastChannel(ch types.Channel, frame *types.Frame) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.byChannel[ch]))
	for _, c := range h.byChannel[ch] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// heartbeatLoop disconnects clients whose last activity is strictly older
// than the client timeout.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.ClientTimeout)
			h.mu.RLock()
			var stale []*Conn
			for _, c := range h.conns {
				if c.LastSeen().Before(cutoff) {
					stale = append(stale, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range stale {
				h.unregister(c, types.CloseNormal, "timeout")
			}
		case <-h.stopCh:
			return
		}
	}
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats is a point-in-time view of hub state
type Stats struct {
	Connections int                   `json:"connections"`
	TaskIndex   int                   `json:"task_subscriptions"`
	ByChannel   map[types.Channel]int `json:"by_channel"`
	FramesSent  int64                 `json:"frames_sent"`
	FramesLost  int64                 `json:"frames_dropped"`
}

// Snapshot returns current hub statistics
func (h *Hub) Snapshot() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Connections: len(h.conns),
		TaskIndex:   len(h.byTask),
		ByChannel:   make(map[types.Channel]int, len(h.byChannel)),
	}
	for ch, set := range h.byChannel {
		s.ByChannel[ch] = len(set)
	}
	for _, c := range h.conns {
		s.FramesSent += c.sent.Load()
		s.FramesLost += c.dropped.Load()
	}
	return s
}

func (h *Hub) recordSendLatency(transport string, elapsed time.Duration) {
	if h.series == nil {
		return
	}
	name := "websocket_latency_ms"
	if transport == "sse" {
		name = "sse_latency_ms"
	}
	h.series.Record(name, float64(elapsed.Microseconds())/1000, nil)
}
