// Package hub owns the WebSocket side of the relay: connection lifecycle,
// identification, channel routing, heartbeat tracking and safe sends.
//
// Sessions live in an arena keyed by session id; channels store only ids
// and resolve members through the arena. All outbound writes on one
// connection are serialized by a per-session lock.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/lexicon"
	"github.com/tandemdental/dentascribe/internal/observe"
	"github.com/tandemdental/dentascribe/internal/pairing"
	"github.com/tandemdental/dentascribe/internal/scheduler"
	"github.com/tandemdental/dentascribe/pkg/audio"
)

const (
	// PingInterval is the expected client heartbeat cadence. The server
	// never originates pings; a client silent for 2×PingInterval is stale.
	PingInterval = 60 * time.Second

	subprotocolPrefix = "Bearer."
	maxMessageBytes   = 1 << 22 // 4 MiB covers the largest buffered flush
	writeTimeout      = 5 * time.Second
	reapInterval      = 30 * time.Second
)

// Session is one connected WebSocket. The hub owns it; the scheduler only
// sees its id in chunk routing metadata.
type Session struct {
	ID          string
	Device      string
	PrincipalID string
	AdminID     string

	mu             sync.Mutex // serializes writes and guards mutable fields
	conn           *websocket.Conn
	channel        string
	desktopSession string
	buffer         *audio.Buffer
	lastActivity   time.Time
	closed         bool
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Hub is the session arena and channel table.
type Hub struct {
	tokens *auth.TokenService
	pairs  *pairing.Registry
	sched  *scheduler.Scheduler
	lex    *lexicon.Service

	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string][]string // channel id -> session ids

	metrics *observe.Metrics
	now     func() time.Time
}

// New creates a Hub. The pairing registry's desktop-liveness check should
// be wired to [Hub.SessionAlive].
func New(tokens *auth.TokenService, pairs *pairing.Registry, sched *scheduler.Scheduler, lex *lexicon.Service) *Hub {
	return &Hub{
		tokens:   tokens,
		pairs:    pairs,
		sched:    sched,
		lex:      lex,
		sessions: make(map[string]*Session),
		channels: make(map[string][]string),
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
}

// SessionAlive reports whether a session id is currently connected.
func (h *Hub) SessionAlive(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[id]
	return ok
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// JoinChannel moves a session into a channel. Used at pair-code issue time
// to place the desktop into its channel before any mobile claims the code;
// reissuing a code moves the desktop out of the stale channel first.
func (h *Hub) JoinChannel(sessionID, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		return errors.New("hub: unknown session")
	}
	sess.mu.Lock()
	prev := sess.channel
	sess.channel = channelID
	sess.mu.Unlock()
	if prev != "" && prev != channelID {
		h.detachLocked(prev, sessionID)
	}
	for _, id := range h.channels[channelID] {
		if id == sessionID {
			return nil
		}
	}
	h.channels[channelID] = append(h.channels[channelID], sessionID)
	return nil
}

// detachLocked removes a session id from a channel's member list and drops
// the channel once empty. Caller holds h.mu.
func (h *Hub) detachLocked(channel, sessionID string) {
	ids := h.channels[channel]
	for i, id := range ids {
		if id == sessionID {
			h.channels[channel] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(h.channels[channel]) == 0 {
		delete(h.channels, channel)
	}
}

// ── Connection lifecycle ───────────────────────────────────────────────────────

// ServeHTTP upgrades /ws connections. The bearer token rides in the
// Sec-WebSocket-Protocol header as "Bearer.<token>"; a missing or invalid
// token closes the socket with a policy-violation code.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerSubprotocol(r.Header.Values("Sec-WebSocket-Protocol"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocolPrefix + token},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	claims, err := h.tokens.Verify(token)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Device:       claims.DeviceType,
		PrincipalID:  claims.PrincipalID(),
		AdminID:      claims.PrincipalID(),
		conn:         conn,
		lastActivity: h.now(),
	}
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	h.metrics.ActiveSessions.Add(r.Context(), 1)
	slog.Info("session opened", "session_id", sess.ID, "device", sess.Device)

	h.send(sess, connectedMsg{Type: TypeConnected})
	h.readLoop(r.Context(), sess)
	h.closeSession(sess, websocket.StatusNormalClosure, "")
}

func bearerSubprotocol(headers []string) string {
	for _, header := range headers {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if strings.HasPrefix(proto, subprotocolPrefix) {
				return strings.TrimPrefix(proto, subprotocolPrefix)
			}
		}
	}
	return ""
}

func (h *Hub) readLoop(ctx context.Context, sess *Session) {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		sess.touch(h.now())

		switch typ {
		case websocket.MessageBinary:
			h.handleAudio(ctx, sess, data, false)
		case websocket.MessageText:
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				h.send(sess, errorMsg{Type: TypeError, Message: "malformed message"})
				continue
			}
			h.handleMessage(ctx, sess, &msg)
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, sess *Session, msg *inbound) {
	switch msg.Type {
	case TypeIdentify:
		h.handleIdentify(sess, msg)
	case TypeMobileInit:
		h.handleMobileInit(ctx, sess, msg)
	case TypePing:
		h.send(sess, pongMsg{Type: TypePong, Sequence: msg.Sequence})
	case TypeChannelMessage:
		h.fanOut(sess, msg)
	case TypeAudioData:
		payload, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			h.send(sess, errorMsg{Type: TypeError, Message: "invalid base64 audio"})
			return
		}
		h.handleAudio(ctx, sess, payload, msg.Format == "wav")
	case TypeFlushAudio:
		h.flushAudio(ctx, sess)
	default:
		h.send(sess, errorMsg{Type: TypeError, Message: "unknown message type " + msg.Type})
	}
}

func (h *Hub) handleIdentify(sess *Session, msg *inbound) {
	if msg.DeviceType != "" {
		sess.Device = msg.DeviceType
	}
	h.send(sess, identifiedMsg{Type: TypeIdentified, DeviceType: sess.Device, SessionID: sess.ID})
}

func (h *Hub) handleMobileInit(ctx context.Context, sess *Session, msg *inbound) {
	res, err := h.pairs.Claim(msg.PairingCode, sess.ID)
	if err != nil {
		slog.Warn("pair claim failed", "session_id", sess.ID, "error", err)
		h.send(sess, errorMsg{Type: TypeError, Message: err.Error()})
		return
	}

	sess.Device = auth.DeviceMobile
	sess.AdminID = res.PrincipalID

	cfg, cfgErr := h.lex.Config(ctx, sess.AdminID)
	if cfgErr != nil {
		cfg = lexicon.DefaultConfig()
	}
	sess.mu.Lock()
	sess.desktopSession = res.DesktopSession
	sess.buffer = audio.NewBuffer(
		audio.WithSmallThreshold(cfg.SmallThresholdBytes),
		audio.WithAccumulateCount(cfg.AccumulateCount),
		audio.WithMaxAge(time.Duration(cfg.MaxDurationMs)*time.Millisecond),
	)
	sess.mu.Unlock()

	h.mu.Lock()
	h.channels[res.ChannelID] = append(h.channels[res.ChannelID], sess.ID)
	h.mu.Unlock()
	sess.mu.Lock()
	sess.channel = res.ChannelID
	sess.mu.Unlock()

	h.send(sess, channelJoinedMsg{Type: TypeChannelJoined, Channel: res.ChannelID})
}

// ── Audio path ─────────────────────────────────────────────────────────────────

// handleAudio feeds a frame into the session's buffer and submits any flush
// to the scheduler. Complete WAV containers bypass the buffer.
func (h *Hub) handleAudio(ctx context.Context, sess *Session, payload []byte, isWAV bool) {
	sess.mu.Lock()
	buffer := sess.buffer
	channel := sess.channel
	desktop := sess.desktopSession
	sess.mu.Unlock()

	if channel == "" {
		h.send(sess, errorMsg{Type: TypeError, Message: "not paired"})
		return
	}

	if isWAV || audio.IsWAV(payload) {
		h.submit(ctx, sess, channel, desktop, payload, true, scheduler.PriorityBuffered)
		return
	}
	if buffer == nil {
		h.send(sess, errorMsg{Type: TypeError, Message: "no audio buffer"})
		return
	}
	if flush := buffer.Add(payload); flush != nil {
		h.submit(ctx, sess, channel, desktop, flush, false, scheduler.PriorityBuffered)
	}
}

func (h *Hub) flushAudio(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	buffer := sess.buffer
	channel := sess.channel
	desktop := sess.desktopSession
	sess.mu.Unlock()
	if buffer == nil {
		return
	}
	// The forced tail rides the same priority class as ordinary flushes;
	// a higher class would let it overtake this client's queued chunks.
	if flush := buffer.ForceFlush(); flush != nil {
		h.submit(ctx, sess, channel, desktop, flush, false, scheduler.PriorityBuffered)
	}
}

func (h *Hub) submit(ctx context.Context, sess *Session, channel, desktop string, payload []byte, isWAV bool, prio scheduler.Priority) {
	err := h.sched.Submit(ctx, &scheduler.Chunk{
		ClientID:       sess.ID,
		DesktopSession: desktop,
		ChannelID:      channel,
		AdminID:        sess.AdminID,
		Payload:        payload,
		IsWAV:          isWAV,
		Priority:       prio,
	})
	if err != nil && !errors.Is(err, scheduler.ErrQueueFull) {
		slog.Warn("chunk submit failed", "session_id", sess.ID, "error", err)
	}
}

// PublishResult routes a scheduler result to the desktop member of the
// originating channel, plus a UI echo to the mobile. Failed chunks yield
// no outbound message; the client sees absence, not corruption.
func (h *Hub) PublishResult(r scheduler.Result) {
	if r.Err != nil {
		slog.Debug("transcription failed", "chunk_id", chunkID(r.Chunk), "error", r.Err)
		return
	}
	msg := transcriptionMsg{
		Type:        TypeTranscription,
		Text:        r.Normalized,
		Raw:         r.Raw,
		Normalized:  r.Normalized,
		SessionText: r.SessionText,
		Language:    r.Language,
		Duration:    r.Duration.Seconds(),
		ChunkID:     chunkID(r.Chunk),
		Timestamp:   h.now().UnixMilli(),
	}

	h.mu.RLock()
	desktop := h.sessions[r.Chunk.DesktopSession]
	mobile := h.sessions[r.Chunk.ClientID]
	h.mu.RUnlock()

	if desktop != nil {
		h.send(desktop, msg)
	}
	if mobile != nil {
		h.send(mobile, msg)
	}
}

func chunkID(c *scheduler.Chunk) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// ── Fan-out and teardown ───────────────────────────────────────────────────────

// fanOut relays a channel_message verbatim to all other channel members.
func (h *Hub) fanOut(sess *Session, msg *inbound) {
	sess.mu.Lock()
	channel := sess.channel
	sess.mu.Unlock()
	if msg.ChannelID != "" {
		channel = msg.ChannelID
	}

	for _, member := range h.channelMembers(channel) {
		if member.ID == sess.ID {
			continue
		}
		h.send(member, channelMessageMsg{
			Type:      TypeChannelMessage,
			ChannelID: channel,
			Payload:   msg.Payload,
			From:      sess.ID,
		})
	}
}

func (h *Hub) channelMembers(channel string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.channels[channel]
	members := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.sessions[id]; ok {
			members = append(members, s)
		}
	}
	return members
}

// closeSession removes a session from the arena and its channel, notifies
// peers, and finalizes the mobile's transcript state.
func (h *Hub) closeSession(sess *Session, code websocket.StatusCode, reason string) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	channel := sess.channel
	sess.mu.Unlock()

	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.metrics.ActiveSessions.Add(context.Background(), -1)
	if channel != "" {
		h.detachLocked(channel, sess.ID)
	}
	h.mu.Unlock()

	sess.conn.Close(code, reason)
	slog.Info("session closed", "session_id", sess.ID, "device", sess.Device)

	if sess.Device == auth.DeviceMobile {
		h.sched.FinalizeClient(sess.ID)
		for _, member := range h.channelMembers(channel) {
			if member.Device != auth.DeviceMobile {
				h.send(member, mobileDisconnectedMsg{Type: TypeMobileDisconnected})
			}
		}
	}
}

// send serializes one outbound message. Writes to a closed connection are
// dropped silently; write failures schedule the session for cleanup.
func (h *Hub) send(sess *Session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal outbound message", "error", err)
		return
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err = sess.conn.Write(ctx, websocket.MessageText, data)
	cancel()
	sess.mu.Unlock()

	if err != nil {
		slog.Debug("write failed, scheduling cleanup", "session_id", sess.ID, "error", err)
		go h.closeSession(sess, websocket.StatusGoingAway, "write failed")
	}
}

// Run reaps stale sessions until ctx is cancelled. A session is stale when
// its client has been silent for twice the expected ping interval.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) reapStale() {
	cutoff := h.now().Add(-2 * PingInterval)
	h.mu.RLock()
	var stale []*Session
	for _, sess := range h.sessions {
		sess.mu.Lock()
		if sess.lastActivity.Before(cutoff) {
			stale = append(stale, sess)
		}
		sess.mu.Unlock()
	}
	h.mu.RUnlock()

	for _, sess := range stale {
		slog.Info("reaping stale session", "session_id", sess.ID)
		h.closeSession(sess, websocket.StatusGoingAway, "stale")
	}
}
