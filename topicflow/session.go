/******************************************************************************
 *
 *  Description :
 *
 *    Handling of the server connection. The session owns the socket and
 *    the wire envelope: it runs the login/reconnect state machine, the
 *    ping watchdog, the pending-request buffer with sync-time compression,
 *    and demultiplexes inbound messages to the subscribed topics.
 *
 *****************************************************************************/

package topicflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/topicflow/topicflow-go/topicflow/logs"
	"github.com/topicflow/topicflow-go/topicflow/stats"
)

// Status is the session's connection state.
type Status string

const (
	StatusLoggedOut    Status = "logged_out"
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusTrying       Status = "trying"
)

// Socket close codes. Codes below CloseBadParams are transient and
// trigger the reconnect path; codes at or above it are authoritative
// server-issued terminations.
const (
	CloseClientInitiated = -1
	CloseBadParams       = 4000
	CloseBadJSON         = 4001
	CloseUnauthorized    = 4002
	CloseSuperseded      = 4003
)

// LoginError reports a failed login flow with the close code that ended it.
type LoginError struct {
	Code int
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("topicflow: login failed (close code %d)", e.Code)
}

// ErrNoToken is returned by Login when called with an empty token.
var ErrNoToken = errors.New("topicflow: login requires a token")

// StatusChange is the payload of status-change events.
type StatusChange struct {
	Old Status
	New Status
}

// pendingRequest is one unsynced local write (or subscribe). It sits in
// the pending list until the server acknowledges its id; the list is the
// sole source of truth for unsynced state.
type pendingRequest struct {
	// Time the request was first enqueued. Preserved through compression.
	at  time.Time
	req *rpcMessage
	// Completion channels of every caller coalesced onto this request.
	acks []chan error
}

// wsConn is the socket surface the session needs. *websocket.Conn
// satisfies it.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// socket wraps one connection. Writes are serialized; replacing the
// session's socket pointer is what detaches a stale connection: every
// inbound callback checks the pointer before touching session state.
type socket struct {
	conn wsConn
	wmu  sync.Mutex
}

func (sk *socket) writeFrame(msgs ...*rpcMessage) error {
	raw, err := marshalFrame(msgs...)
	if err != nil {
		return err
	}
	sk.wmu.Lock()
	defer sk.wmu.Unlock()
	return sk.conn.WriteMessage(websocket.TextMessage, raw)
}

func (sk *socket) close() {
	sk.conn.Close()
}

// Session is the connection state machine. One session maintains at most
// one active socket and owns all topics created through Subscribe.
type Session struct {
	cfg  *Settings
	dial dialFunc

	// Jitter source for backoff and write timestamps. Replaceable in tests.
	rand func() float64
	now  func() time.Time

	mu      sync.Mutex
	status  Status
	stateID string
	token   string
	teamID  string
	sock    *socket
	topics  map[string]*Topic
	pending []*pendingRequest

	lastBackoff time.Duration
	watchdog    *time.Timer
	reconnTimer *time.Timer

	// Non-nil while a login flow awaits the init handshake.
	loginCh chan error

	// Most recent verification ref already answered.
	lastVerifyRef string

	tsMu   sync.Mutex
	lastTS int64

	bufferLat *stats.Tracker
	serverLat *stats.Tracker

	onStatus        listeners[StatusChange]
	onBufferChange  listeners[int]
	onBufferLatency listeners[time.Duration]
	onServerLatency listeners[time.Duration]
	onLoggedOut     listeners[int]
}

// NewSession creates a logged-out session with the given settings.
func NewSession(cfg *Settings) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		dial:      defaultDial,
		rand:      rand.Float64,
		now:       time.Now,
		status:    StatusLoggedOut,
		topics:    make(map[string]*Topic),
		bufferLat: stats.NewTracker(cfg.LatencyWindow),
		serverLat: stats.NewTracker(cfg.LatencyWindow),
	}
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PendingCount returns the number of unsynced pending requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Event registration. Each call returns a detach handle.

func (s *Session) OnStatusChange(fn func(StatusChange)) func() {
	return s.onStatus.on(fn)
}

func (s *Session) OnBufferChange(fn func(pending int)) func() {
	return s.onBufferChange.on(fn)
}

func (s *Session) OnBufferLatency(fn func(time.Duration)) func() {
	return s.onBufferLatency.on(fn)
}

func (s *Session) OnServerLatency(fn func(time.Duration)) func() {
	return s.onServerLatency.on(fn)
}

func (s *Session) OnLoggedOut(fn func(code int)) func() {
	return s.onLoggedOut.on(fn)
}

// Login resets any prior session and connects with the given token. It
// returns once the server's init handshake completes, the login flow is
// terminated by an authoritative close code, or ctx expires. teamID may
// be empty.
func (s *Session) Login(ctx context.Context, token, teamID string) error {
	if token == "" {
		return ErrNoToken
	}

	var ev eventQueue
	s.mu.Lock()
	if s.token != "" {
		s.logoutLocked(CloseClientInitiated, &ev)
	}
	s.token = token
	s.teamID = teamID
	s.stateID = uuid.NewString()
	s.lastBackoff = 0
	ch := make(chan error, 1)
	s.loginCh = ch
	s.setStatusLocked(StatusTrying, &ev)
	s.mu.Unlock()
	ev.fire()

	// The dial may hang on an unreachable network; it must not pin the
	// caller past ctx. The reconnect machinery owns the attempt from here.
	go s.connect()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout tears down the socket and all timers and clears the session
// identity. Idempotent when already logged out. Pending write
// acknowledgements are not rejected; the buffer survives into the next
// login. Pass CloseClientInitiated for a plain client-side logout; any
// other code additionally emits a loggedOut event.
func (s *Session) Logout(code int) {
	var ev eventQueue
	s.mu.Lock()
	s.logoutLocked(code, &ev)
	s.mu.Unlock()
	ev.fire()
}

// Subscribe returns the topic with the given id, creating it and issuing
// a topic_subscribe request on first use. Re-subscribing returns the
// existing instance.
func (s *Session) Subscribe(topicID string) *Topic {
	s.mu.Lock()
	if t, ok := s.topics[topicID]; ok {
		s.mu.Unlock()
		return t
	}
	t := newTopic(s, topicID)
	s.topics[topicID] = t
	s.mu.Unlock()

	s.enqueue(methodTopicSubscribe, map[string]any{"topic_id": topicID})
	return t
}

func (s *Session) unsubscribe(t *Topic) {
	var ev eventQueue
	s.mu.Lock()
	if s.topics[t.id] != t {
		s.mu.Unlock()
		return
	}
	delete(s.topics, t.id)

	// Drop pending subscribes for this topic so a later cold sync does not
	// resurrect it.
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.req.Method == methodTopicSubscribe && paramString(p.req.Params, "topic_id") == t.id {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) != len(s.pending) {
		s.pending = kept
		n := len(kept)
		ev.add(func() { s.onBufferChange.emit(n) })
	}
	sk := s.sock
	s.mu.Unlock()
	ev.fire()

	if sk != nil {
		// Best effort; no observer remains to care about failure.
		sk.writeFrame(newRequest(methodTopicUnsubscribe, map[string]any{"topic_id": t.id}))
	}
}

// enqueue registers a pending request and attempts to send it right away.
// Sending is a no-op without an open socket; the request is flushed on
// the next cold or warm sync.
func (s *Session) enqueue(method string, params map[string]any) <-chan error {
	ack := make(chan error, 1)
	req := newRequest(method, params)

	var ev eventQueue
	s.mu.Lock()
	s.pending = append(s.pending, &pendingRequest{
		at:   s.now(),
		req:  req,
		acks: []chan error{ack},
	})
	n := len(s.pending)
	sk := s.sock
	s.mu.Unlock()
	ev.add(func() { s.onBufferChange.emit(n) })
	ev.fire()

	if sk != nil {
		// Write failures are recovered by the socket teardown and resync
		// path, not here.
		sk.writeFrame(req)
	}
	return ack
}

// nextTS produces the client timestamp for conflict ordering:
// milliseconds scaled to microseconds plus sub-millisecond jitter,
// strictly monotonic within this session.
func (s *Session) nextTS() int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	ts := s.now().UnixMilli()*1000 + int64(s.rand()*1000)
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	target := s.socketURLLocked()
	s.mu.Unlock()

	c, err := s.dial(context.Background(), target)

	var ev eventQueue
	s.mu.Lock()
	if s.token == "" {
		// Logged out while dialing.
		s.mu.Unlock()
		if err == nil {
			c.Close()
		}
		return
	}
	if err != nil {
		logs.Warn.Println("session: dial failed:", err)
		s.scheduleReconnectLocked(&ev)
		s.mu.Unlock()
		ev.fire()
		return
	}

	if s.sock != nil {
		s.sock.close()
	}
	sk := &socket{conn: c}
	s.sock = sk
	s.setStatusLocked(StatusTrying, &ev)
	s.armWatchdogLocked(sk, millis(s.cfg.InitDeadlineMs))
	s.mu.Unlock()
	ev.fire()

	go s.readLoop(sk)
}

func (s *Session) socketURLLocked() string {
	q := url.Values{}
	q.Set("state_id", s.stateID)
	q.Set("token", s.token)
	q.Set("client_id", s.cfg.ClientID)
	if s.teamID != "" {
		q.Set("team_id", s.teamID)
	}
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + "/topicflow/socket?" + q.Encode()
}

func (s *Session) readLoop(sk *socket) {
	for {
		_, raw, err := sk.conn.ReadMessage()
		if err != nil {
			s.socketClosed(sk, closeCode(err))
			return
		}
		s.handleFrame(sk, raw)
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	// Transport-level failure, treated as transient.
	return 0
}

func (s *Session) handleFrame(sk *socket, raw []byte) {
	toLog := raw
	truncated := ""
	if len(raw) > 512 {
		toLog = raw[:512]
		truncated = "<...>"
	}
	logs.Info.Printf("in: '%s%s'", toLog, truncated)

	msgs, err := parseFrame(raw)
	if err != nil {
		logs.Err.Println("session: malformed frame:", err)
		return
	}

	var ev eventQueue
	var out []*rpcMessage
	s.mu.Lock()
	if s.sock != sk {
		// Stale socket, its handlers are detached.
		s.mu.Unlock()
		return
	}
	for _, m := range msgs {
		switch {
		case m.isRequest():
			out = append(out, s.handleRequestLocked(sk, m, &ev)...)
		case m.isError():
			s.settleLocked(m.ID, m.Error, nil, &ev)
		default:
			s.settleLocked(m.ID, nil, m.Meta, &ev)
		}
	}
	s.mu.Unlock()
	ev.fire()

	if len(out) > 0 {
		sk.writeFrame(out...)
	}
}

// handleRequestLocked processes one inbound request and returns the
// messages to write back: the reply, plus any requests triggered by it
// (pending flush on sync, verification reply).
func (s *Session) handleRequestLocked(sk *socket, m *rpcMessage, ev *eventQueue) []*rpcMessage {
	switch m.Method {
	case methodInit:
		s.armWatchdogLocked(sk, s.pingDeadline(m.Params))
		s.lastBackoff = 0
		s.setStatusLocked(StatusConnected, ev)
		if s.loginCh != nil {
			ch := s.loginCh
			s.loginCh = nil
			ch <- nil
		}
		return []*rpcMessage{newResult(m.ID, nil)}

	case methodPing:
		// The watchdog is how a silently-dead connection is detected: no
		// ping before the deadline closes the socket and reconnects.
		s.armWatchdogLocked(sk, s.pingDeadline(m.Params))
		return []*rpcMessage{newResult(m.ID, nil)}

	case methodColdSync:
		// The server has no memory of this session: compress the buffer,
		// re-subscribe every open topic, flush everything.
		s.compressPendingLocked(ev)
		s.resubscribeLocked(ev)
		return append([]*rpcMessage{newResult(m.ID, nil)}, s.pendingRequestsLocked()...)

	case methodWarmSync:
		s.compressPendingLocked(ev)
		return append([]*rpcMessage{newResult(m.ID, nil)}, s.pendingRequestsLocked()...)

	case methodTopicSnapshot:
		tid := paramString(m.Params, "topic_id")
		if t := s.topics[tid]; t != nil {
			t.handleSnapshot(paramMap(m.Params, "snapshot"), paramString(m.Params, "epoch"), ev)
		} else {
			logs.Warn.Println("session: snapshot for unknown topic", tid)
		}
		return []*rpcMessage{newResult(m.ID, nil)}

	case methodTopicDiff:
		tid := paramString(m.Params, "topic_id")
		if t := s.topics[tid]; t != nil {
			t.handleDiff(paramMap(m.Params, "diff"), ev)
		} else {
			logs.Warn.Println("session: diff for unknown topic", tid)
		}
		return []*rpcMessage{newResult(m.ID, nil)}

	case methodTopicVerifyRequest:
		out := []*rpcMessage{newResult(m.ID, nil)}
		ref := paramString(m.Params, "ref")
		if ref == s.lastVerifyRef {
			// Already answered this broadcast.
			return out
		}
		tid := paramString(m.Params, "topic_id")
		if t := s.topics[tid]; t != nil {
			s.lastVerifyRef = ref
			out = append(out, newRequest(methodTopicVerifyReply, map[string]any{
				"topic_id": tid,
				"ref":      ref,
				"snapshot": t.Data(),
			}))
		}
		return out

	default:
		logs.Warn.Println("session: unknown method", m.Method)
		return []*rpcMessage{methodNotFound(m.ID, m.Method)}
	}
}

func (s *Session) pingDeadline(params map[string]any) time.Duration {
	if d := paramInt(params, "next_ping_deadline_ms"); d > 0 {
		return millis(d)
	}
	return millis(s.cfg.InitDeadlineMs)
}

// settleLocked resolves every pending request with a matching id (normally
// exactly one) and records latency telemetry on success.
func (s *Session) settleLocked(id string, rpcErr *RpcError, meta *rpcMeta, ev *eventQueue) {
	var matched []*pendingRequest
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.req.ID == id {
			matched = append(matched, p)
		} else {
			kept = append(kept, p)
		}
	}
	if len(matched) == 0 {
		// Reply to a best-effort request, or a duplicate ack.
		return
	}
	s.pending = kept
	n := len(kept)
	ev.add(func() { s.onBufferChange.emit(n) })

	now := s.now()
	for _, p := range matched {
		var result error
		if rpcErr != nil {
			result = rpcErr
		}
		for _, ack := range p.acks {
			select {
			case ack <- result:
			default:
			}
		}
		if rpcErr == nil {
			lat := now.Sub(p.at)
			s.bufferLat.Add(float64(lat.Milliseconds()))
			ev.add(func() { s.onBufferLatency.emit(lat) })
		}
	}
	if rpcErr == nil && meta != nil {
		lat := time.Duration(meta.Us) * time.Microsecond
		s.serverLat.Add(float64(meta.Us))
		ev.add(func() { s.onServerLatency.emit(lat) })
	}
}

// compressPendingLocked bounds a reconnection storm to O(distinct keys):
// within topic_set_key and topic_set_presence_key, only the latest write
// per (topic, key) survives, carrying every coalesced caller's ack. All
// other requests are preserved untouched, in order.
func (s *Session) compressPendingLocked(ev *eventQueue) {
	var rest, setKeys, setPres []*pendingRequest
	for _, p := range s.pending {
		switch p.req.Method {
		case methodTopicSetKey:
			setKeys = append(setKeys, p)
		case methodTopicSetPresenceKey:
			setPres = append(setPres, p)
		default:
			rest = append(rest, p)
		}
	}

	before := len(s.pending)
	s.pending = append(rest, append(compressGroup(setKeys), compressGroup(setPres)...)...)
	if len(s.pending) != before {
		n := len(s.pending)
		ev.add(func() { s.onBufferChange.emit(n) })
	}
}

func compressGroup(group []*pendingRequest) []*pendingRequest {
	if len(group) < 2 {
		return group
	}
	var order []string
	byKey := make(map[string]*pendingRequest)
	for _, p := range group {
		gk := paramString(p.req.Params, "topic_id") + "\x00" + paramString(p.req.Params, "key")
		cur, ok := byKey[gk]
		if !ok {
			byKey[gk] = p
			order = append(order, gk)
			continue
		}
		// Last write wins by client timestamp; the survivor carries all
		// coalesced acks and the earliest enqueue time.
		winner, loser := p, cur
		if paramInt(p.req.Params, "ts") < paramInt(cur.req.Params, "ts") {
			winner, loser = cur, p
		}
		winner.acks = append(winner.acks, loser.acks...)
		if loser.at.Before(winner.at) {
			winner.at = loser.at
		}
		byKey[gk] = winner
	}
	out := make([]*pendingRequest, 0, len(order))
	for _, gk := range order {
		out = append(out, byKey[gk])
	}
	return out
}

// resubscribeLocked re-issues topic_subscribe for every open topic that
// does not already have one pending.
func (s *Session) resubscribeLocked(ev *eventQueue) {
	pendingSub := make(map[string]bool)
	for _, p := range s.pending {
		if p.req.Method == methodTopicSubscribe {
			pendingSub[paramString(p.req.Params, "topic_id")] = true
		}
	}
	var subs []*pendingRequest
	for id := range s.topics {
		if pendingSub[id] {
			continue
		}
		subs = append(subs, &pendingRequest{
			at:  s.now(),
			req: newRequest(methodTopicSubscribe, map[string]any{"topic_id": id}),
		})
	}
	if len(subs) == 0 {
		return
	}
	s.pending = append(subs, s.pending...)
	n := len(s.pending)
	ev.add(func() { s.onBufferChange.emit(n) })
}

func (s *Session) pendingRequestsLocked() []*rpcMessage {
	out := make([]*rpcMessage, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.req)
	}
	return out
}

// socketClosed runs when a socket's read loop ends. A stale socket (one
// already replaced or detached) is ignored.
func (s *Session) socketClosed(sk *socket, code int) {
	var ev eventQueue
	s.mu.Lock()
	if s.sock != sk {
		s.mu.Unlock()
		return
	}
	s.sock = nil
	s.stopWatchdogLocked()
	sk.close()

	if code >= CloseBadParams {
		// Authoritative server-issued termination; no reconnect.
		logs.Warn.Println("session: closed by server, code", code)
		if s.loginCh != nil {
			ch := s.loginCh
			s.loginCh = nil
			ch <- &LoginError{Code: code}
			s.logoutLocked(CloseClientInitiated, &ev)
		} else {
			s.logoutLocked(code, &ev)
		}
	} else {
		s.scheduleReconnectLocked(&ev)
	}
	s.mu.Unlock()
	ev.fire()
}

func (s *Session) scheduleReconnectLocked(ev *eventQueue) {
	next := s.nextBackoffLocked()
	prolonged := next > millis(s.cfg.DisconnectedBackoffMs)

	if s.loginCh != nil && prolonged {
		// The login flow does not outlast the disconnected threshold.
		ch := s.loginCh
		s.loginCh = nil
		ch <- &LoginError{Code: CloseClientInitiated}
		s.logoutLocked(CloseClientInitiated, ev)
		return
	}

	s.lastBackoff = next
	if prolonged {
		s.setStatusLocked(StatusDisconnected, ev)
	} else {
		s.setStatusLocked(StatusTrying, ev)
	}
	s.stopReconnectLocked()
	logs.Info.Println("session: reconnecting in", next)
	s.reconnTimer = time.AfterFunc(next, s.connect)
}

// nextBackoffLocked doubles the previous delay (starting at the minimum),
// caps it at the maximum, then adds 0-20% jitter.
func (s *Session) nextBackoffLocked() time.Duration {
	base := s.lastBackoff * 2
	if s.lastBackoff == 0 {
		base = millis(s.cfg.MinBackoffMs)
	}
	if ceiling := millis(s.cfg.MaxBackoffMs); base > ceiling {
		base = ceiling
	}
	return time.Duration(float64(base) * (1 + 0.2*s.rand()))
}

func (s *Session) logoutLocked(code int, ev *eventQueue) {
	if s.token == "" && s.status == StatusLoggedOut {
		return
	}
	s.token = ""
	s.teamID = ""
	if s.sock != nil {
		s.sock.close()
		s.sock = nil
	}
	s.stopWatchdogLocked()
	s.stopReconnectLocked()
	s.lastBackoff = 0
	if s.loginCh != nil {
		ch := s.loginCh
		s.loginCh = nil
		ch <- &LoginError{Code: code}
	}
	s.setStatusLocked(StatusLoggedOut, ev)
	if code != CloseClientInitiated {
		ev.add(func() { s.onLoggedOut.emit(code) })
	}
}

func (s *Session) setStatusLocked(st Status, ev *eventQueue) {
	if s.status == st {
		return
	}
	old := s.status
	s.status = st
	logs.Info.Println("session: status", old, "->", st)
	ev.add(func() { s.onStatus.emit(StatusChange{Old: old, New: st}) })
}

func (s *Session) armWatchdogLocked(sk *socket, d time.Duration) {
	s.stopWatchdogLocked()
	s.watchdog = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur := s.sock
		s.mu.Unlock()
		if cur == sk {
			logs.Warn.Println("session: ping deadline missed, closing socket")
			sk.close()
		}
	})
}

func (s *Session) stopWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) stopReconnectLocked() {
	if s.reconnTimer != nil {
		s.reconnTimer.Stop()
		s.reconnTimer = nil
	}
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}
