// Package realtime relays messages between connected devices over
// websockets. Every delivery is persisted first; the connection layer only
// decides whether the receiver hears about it now or during backlog replay.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/1111mp/synclan/internal/store"
)

// ErrInvalidMessage reports an inbound relay request that fails validation.
var ErrInvalidMessage = errors.New("realtime: invalid message")

// Frame is the wire envelope for every websocket exchange.
type Frame struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wire events.
const (
	// EventMessage carries a relayed message in either direction.
	EventMessage = "message"
	// EventAck confirms receipt of the frame named by ID.
	EventAck = "ack"
	// EventOffline asks the server to replay the unacknowledged backlog.
	EventOffline = "offline-messages"
)

const (
	writeTimeout   = 10 * time.Second
	maxFrameBytes  = 1 << 20
	defaultAckWait = 6 * time.Second
)

// Inbound is the payload a sender attaches to an EventMessage frame.
type Inbound struct {
	UUID     string            `json:"uuid"`
	Receiver string            `json:"receiver"`
	Type     store.MessageType `json:"type"`
	Content  *string           `json:"content,omitempty"`
	Extra    *string           `json:"extra,omitempty"`
}

type peer struct {
	deviceID string
	connID   string
	conn     *websocket.Conn

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan struct{}
}

func (p *peer) writeFrame(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(f)
}

func (p *peer) addWaiter(id string) chan struct{} {
	ch := make(chan struct{})
	p.waitMu.Lock()
	p.waiters[id] = ch
	p.waitMu.Unlock()
	return ch
}

func (p *peer) dropWaiter(id string) {
	p.waitMu.Lock()
	delete(p.waiters, id)
	p.waitMu.Unlock()
}

func (p *peer) resolveWaiter(id string) {
	p.waitMu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.waitMu.Unlock()
	if ok {
		close(ch)
	}
}

// Hub owns the live peer table and the delivery pipeline.
type Hub struct {
	store      *store.Store
	ackTimeout time.Duration
	logger     pslog.Logger
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewHub builds a hub over st. ackTimeout bounds how long a live delivery
// waits for the receiver's acknowledgment; zero selects the default.
func NewHub(st *store.Store, ackTimeout time.Duration, logger pslog.Logger) *Hub {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckWait
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Hub{
		store:      st,
		ackTimeout: ackTimeout,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// LAN peers connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

// BearerToken extracts the credential from an Authorization header or,
// for websocket clients that cannot set headers, a token query parameter.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP is the websocket endpoint. The request must authenticate as a
// registered device before the upgrade completes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	device, err := h.store.GetDevice(r.Context(), token)
	if err != nil {
		h.logger.Error("device lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if device == nil {
		http.Error(w, "unknown device", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "device", device.ID, "error", err)
		return
	}
	p := &peer{
		deviceID: device.ID,
		connID:   xid.New().String(),
		conn:     conn,
		waiters:  make(map[string]chan struct{}),
	}
	h.register(p)
	defer h.unregister(p)
	h.logger.Info("device connected", "device", p.deviceID, "conn", p.connID)

	if err := h.replayBacklog(r.Context(), p); err != nil {
		h.logger.Warn("backlog replay failed", "device", p.deviceID, "error", err)
	}
	h.readLoop(r.Context(), p)
	h.logger.Info("device disconnected", "device", p.deviceID, "conn", p.connID)
}

// register installs p as the sole live connection for its device. A
// reconnect displaces the previous connection rather than erroring.
func (h *Hub) register(p *peer) {
	h.mu.Lock()
	old := h.peers[p.deviceID]
	h.peers[p.deviceID] = p
	h.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

// unregister removes p from the peer table unless a newer connection for
// the same device already replaced it.
func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	if h.peers[p.deviceID] == p {
		delete(h.peers, p.deviceID)
	}
	h.mu.Unlock()
	p.conn.Close()
}

func (h *Hub) lookup(deviceID string) *peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[deviceID]
}

// Online reports whether the device currently holds a live connection.
func (h *Hub) Online(deviceID string) bool {
	return h.lookup(deviceID) != nil
}

// OnlineDevices snapshots the ids of all connected devices.
func (h *Hub) OnlineDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	return out
}

// CloseAll drops every live connection. Used during server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*peer)
	h.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	p.conn.SetReadLimit(maxFrameBytes)
	for {
		var f Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read loop ended", "device", p.deviceID, "error", err)
			}
			return
		}
		switch f.Event {
		case EventAck:
			h.handleAck(ctx, p, f)
		case EventOffline:
			if err := h.replayBacklog(ctx, p); err != nil {
				h.logger.Warn("backlog replay failed", "device", p.deviceID, "error", err)
			}
		case EventMessage:
			h.handleInbound(ctx, p, f)
		default:
			h.logger.Debug("dropping unknown frame", "device", p.deviceID, "event", f.Event)
		}
	}
}

// handleAck advances the receiver's cursor and wakes any delivery waiting
// on this frame id.
func (h *Hub) handleAck(ctx context.Context, p *peer, f Frame) {
	id, err := strconv.ParseInt(f.ID, 10, 64)
	if err != nil {
		h.logger.Debug("dropping malformed ack", "device", p.deviceID, "id", f.ID)
		return
	}
	if err := h.store.UpsertAck(ctx, p.deviceID, id); err != nil {
		h.logger.Error("ack cursor update failed", "device", p.deviceID, "error", err)
		return
	}
	p.resolveWaiter(f.ID)
}

// handleInbound relays a message a connected sender submitted over the
// socket, then confirms persistence back to the sender.
func (h *Hub) handleInbound(ctx context.Context, p *peer, f Frame) {
	var in Inbound
	if err := json.Unmarshal(f.Payload, &in); err != nil {
		h.logger.Debug("dropping malformed message frame", "device", p.deviceID, "error", err)
		return
	}
	if _, _, err := h.Send(ctx, store.Message{
		UUID:     in.UUID,
		Sender:   p.deviceID,
		Receiver: in.Receiver,
		Type:     in.Type,
		Content:  in.Content,
		Extra:    in.Extra,
	}); err != nil {
		h.logger.Warn("relay failed", "sender", p.deviceID, "receiver", in.Receiver, "error", err)
		return
	}
	if f.ID != "" {
		if err := p.writeFrame(Frame{Event: EventAck, ID: f.ID}); err != nil {
			h.logger.Debug("sender confirmation failed", "device", p.deviceID, "error", err)
		}
	}
}

// Send persists m and, when the receiver is online, pushes it and waits up
// to the ack timeout for confirmation. The returned flag reports a
// confirmed live delivery; in every other case the message stays queued for
// backlog replay and the ack cursor is untouched.
func (h *Hub) Send(ctx context.Context, m store.Message) (*store.Message, bool, error) {
	if m.Receiver == "" || !m.Type.Valid() {
		return nil, false, fmt.Errorf("%w: receiver %q type %q", ErrInvalidMessage, m.Receiver, m.Type)
	}
	saved, err := h.store.InsertMessage(ctx, m)
	if err != nil {
		return nil, false, err
	}
	p := h.lookup(m.Receiver)
	if p == nil {
		return saved, false, nil
	}
	frameID := strconv.FormatInt(saved.ID, 10)
	ackCh := p.addWaiter(frameID)
	defer p.dropWaiter(frameID)
	if err := h.pushMessage(p, frameID, saved); err != nil {
		h.logger.Debug("live push failed", "receiver", m.Receiver, "error", err)
		return saved, false, nil
	}
	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		return saved, true, nil
	case <-timer.C:
		h.logger.Debug("ack timed out", "receiver", m.Receiver, "message", saved.ID)
		return saved, false, nil
	case <-ctx.Done():
		return saved, false, ctx.Err()
	}
}

func (h *Hub) pushMessage(p *peer, frameID string, m *store.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return p.writeFrame(Frame{Event: EventMessage, ID: frameID, Payload: payload})
}

// replayBacklog pushes every message past the device's ack cursor, newest
// first. The client acks each one individually; the cursor only moves as
// acks arrive.
func (h *Hub) replayBacklog(ctx context.Context, p *peer) error {
	var after int64
	cursor, err := h.store.GetAck(ctx, p.deviceID)
	if err != nil {
		return err
	}
	if cursor != nil {
		after = cursor.LastAck
	}
	backlog, err := h.store.MessagesAfter(ctx, p.deviceID, after)
	if err != nil {
		return err
	}
	for i := range backlog {
		m := &backlog[i]
		if err := h.pushMessage(p, strconv.FormatInt(m.ID, 10), m); err != nil {
			return err
		}
	}
	if len(backlog) > 0 {
		h.logger.Debug("replayed backlog", "device", p.deviceID, "count", len(backlog), "after", after)
	}
	return nil
}
