// Package session implements the Session Controller: the per-connection
// state machine that owns a device's socket for its entire lifetime. It
// composes the token validator, subject matcher, protocol codec, rate
// limiter, outbound buffer, and NATS adapter described elsewhere in
// internal/.
//
// Adapted from the reader/writer goroutine split in the teacher's
// websocket.Client (ReadPump/WritePump), generalized from the teacher's
// string-typed notification messages to the gateway's integer-enum wire
// protocol and full auth/authorization/subscription lifecycle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/gwerrors"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/natsbridge"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/outbound"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/protocol"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/ratelimit"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/registry"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/subject"
)

type state int32

const (
	stateAwaitingAuth state = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// heartbeatCheckInterval is how often the heartbeat loop polls for idleness;
// it is independent of (and much finer-grained than) pingInterval/pingTimeout.
const heartbeatCheckInterval = time.Second

// Registry is the subset of *registry.Registry a Session depends on, kept
// as an interface so sessions are trivially testable without a live registry.
type Registry interface {
	Register(registry.Session) registry.Session
	Remove(clientID string, session registry.Session)
}

// NATSAdapter is the subset of *natsbridge.Client a Session depends on.
type NATSAdapter interface {
	Publish(ctx context.Context, subject string, payload []byte) (uint64, error)
	SubscribeDevice(clientID, pattern string, deliver natsbridge.DeliverFunc) (*natsbridge.SubscriptionHandle, error)
	Unsubscribe(clientID, pattern string, handle *natsbridge.SubscriptionHandle) error
}

// Session is the live server-side context for one connected device.
type Session struct {
	conn      *websocket.Conn
	cfg       *config.Config
	validator *auth.Validator
	registry  Registry
	nats      NATSAdapter
	limiter   *ratelimit.Limiter
	sink      metrics.Sink
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state       atomic.Int32
	lastActive  atomic.Int64 // unix nanoseconds
	closeOnce   sync.Once

	deviceMu sync.RWMutex
	device   *auth.DeviceContext

	outbound *outbound.Buffer

	subMu sync.Mutex
	subs  map[string]*natsbridge.SubscriptionHandle

	wg sync.WaitGroup
}

// New constructs a Session around an already-upgraded connection. Serve's
// preAuth argument, if non-nil, is a DeviceContext established from an
// Authorization header before the upgrade (see internal/gatewayhttp); when
// set, the AUTH frame exchange is skipped entirely.
func New(
	conn *websocket.Conn,
	cfg *config.Config,
	validator *auth.Validator,
	reg Registry,
	nats NATSAdapter,
	limiter *ratelimit.Limiter,
	sink metrics.Sink,
	log *slog.Logger,
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      conn,
		cfg:       cfg,
		validator: validator,
		registry:  reg,
		nats:      nats,
		limiter:   limiter,
		sink:      sink,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*natsbridge.SubscriptionHandle),
	}
	s.state.Store(int32(stateAwaitingAuth))
	s.touch()
	return s
}

// ClientID implements registry.Session. Empty until authentication succeeds.
func (s *Session) ClientID() string {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	if s.device == nil {
		return ""
	}
	return s.device.ClientID
}

// Supersede implements registry.Session: it is called by the Registry when
// a newer session authenticates as the same device.
func (s *Session) Supersede() {
	s.enqueue(protocol.NewError("session replaced by a new connection", ""))
	s.close(4001, "replaced")
}

// Serve runs the session to completion: optional pre-authentication, the
// AUTH handshake (if needed), and the steady-state reader/writer/heartbeat
// loops. It blocks until the session closes.
func (s *Session) Serve(preAuth *auth.DeviceContext) {
	s.sink.ConnectionOpened()

	var device *auth.DeviceContext
	if preAuth != nil {
		device = preAuth
	} else {
		d, ok := s.authenticate()
		if !ok {
			return
		}
		device = d
	}

	s.deviceMu.Lock()
	s.device = device
	s.deviceMu.Unlock()
	s.state.Store(int32(stateAuthenticated))

	if prev := s.registry.Register(s); prev != nil {
		s.log.Info("device session superseded prior connection", "clientId", device.ClientID)
	}

	s.outbound = outbound.New(s.cfg.Server.OutgoingBufferSize, s.sink.BufferOverflow)

	s.wg.Add(2)
	go s.writeLoop()
	go s.heartbeatLoop()

	s.readLoop()

	s.wg.Wait()
}

// authenticate runs the AwaitingAuth phase: read exactly one frame within
// authenticationTimeout, which must be an Auth frame carrying a valid token.
func (s *Session) authenticate() (*auth.DeviceContext, bool) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.Server.AuthenticationTimeout))
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		s.sink.AuthAttempt("timeout_or_disconnect")
		s.closeConnOnly(1008, "authentication timeout")
		return nil, false
	}

	msg, err := protocol.Decode(raw, int(s.cfg.Server.MaxMessageSize))
	if err != nil || msg.Type != protocol.TypeAuth {
		s.sink.AuthAttempt("malformed")
		s.writeAuthResponse(false, nil, "expected auth frame")
		s.closeConnOnly(1008, "expected auth frame")
		return nil, false
	}

	req, err := protocol.DecodeAuthRequest(msg)
	if err != nil {
		s.sink.AuthAttempt("malformed")
		s.writeAuthResponse(false, nil, "malformed auth payload")
		s.closeConnOnly(1008, "malformed auth payload")
		return nil, false
	}

	device, verr := s.validator.Validate(req.Token)
	if verr != nil {
		s.sink.AuthAttempt("rejected")
		s.writeAuthResponse(false, nil, verr.Error())
		s.closeConnOnly(1008, gwerrors.KindOf(verr).String())
		return nil, false
	}

	if req.DeviceID != "" && req.DeviceID != device.ClientID {
		s.log.Warn("auth frame deviceId does not match token subject", "deviceId", req.DeviceID, "sub", device.ClientID)
	}

	s.sink.AuthAttempt("success")
	s.writeAuthResponse(true, device, "")
	return device, true
}

func (s *Session) writeAuthResponse(success bool, device *auth.DeviceContext, errMsg string) {
	resp := protocol.AuthResponse{Success: success, Error: errMsg}
	if device != nil {
		resp.ClientID = device.ClientID
		resp.Role = device.Role
	}
	frame, err := protocol.Encode(protocol.NewAuthResponse(resp))
	if err != nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	s.conn.WriteMessage(websocket.TextMessage, frame)
}

// readLoop is the steady-state reader: decode, rate-limit, authorize, dispatch.
func (s *Session) readLoop() {
	defer func() {
		s.close(1000, "normal")
	}()

	s.conn.SetReadLimit(s.cfg.Server.MaxMessageSize)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read error", "error", err)
			}
			return
		}
		s.touch()

		msg, derr := protocol.Decode(raw, int(s.cfg.Server.MaxMessageSize))
		if derr != nil {
			s.sink.Error(string(gwerrors.KindOf(derr)))
			s.enqueueError(gwerrors.Message(derr), "")
			continue
		}

		device := s.currentDevice()
		if s.validator.Expired(device) {
			s.enqueueError("token expired", msg.CorrelationID)
			s.close(1008, "token expired")
			return
		}

		if !s.limiter.TryAcquire(device.ClientID) {
			s.sink.RateLimitRejection()
			s.enqueueError("rate limit exceeded", msg.CorrelationID)
			continue
		}

		s.sink.MessageReceived(msgTypeName(msg.Type))
		s.dispatch(device, msg)
	}
}

func (s *Session) dispatch(device *auth.DeviceContext, msg *protocol.WireMessage) {
	switch msg.Type {
	case protocol.TypePublish:
		s.handlePublish(device, msg)
	case protocol.TypeSubscribe:
		s.handleSubscribe(device, msg)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(device, msg)
	case protocol.TypePing:
		s.enqueue(protocol.NewPong(msg.CorrelationID))
	case protocol.TypePong:
		// no-op, already counted as activity via touch()
	default:
		s.enqueueError("unsupported message type from device", msg.CorrelationID)
	}
}

func (s *Session) handlePublish(device *auth.DeviceContext, msg *protocol.WireMessage) {
	if !subject.Valid(msg.Subject) {
		s.enqueueError("Invalid subject format", msg.CorrelationID)
		return
	}
	allowed := device.CanPublish(subject.Matches, msg.Subject)
	s.sink.AuthorizationCheck("publish", allowed)
	if !allowed {
		s.enqueueError("Not authorized to publish to this subject", msg.CorrelationID)
		return
	}

	out := &protocol.WireMessage{
		Type:          protocol.TypePublish,
		Subject:       msg.Subject,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		DeviceID:      device.ClientID,
	}
	payload, err := protocol.Encode(out)
	if err != nil {
		s.enqueueError("failed to encode message", msg.CorrelationID)
		return
	}

	if _, err := s.nats.Publish(s.ctx, msg.Subject, payload); err != nil {
		s.log.Warn("publish failed", "subject", msg.Subject, "error", err)
		s.enqueueError("publish failed", msg.CorrelationID)
	}
}

func (s *Session) handleSubscribe(device *auth.DeviceContext, msg *protocol.WireMessage) {
	if !subject.Valid(msg.Subject) {
		s.enqueueError("invalid subject format", msg.CorrelationID)
		return
	}

	s.subMu.Lock()
	if _, exists := s.subs[msg.Subject]; exists {
		s.subMu.Unlock()
		s.enqueue(protocol.NewAck(msg.Subject, msg.CorrelationID))
		return
	}
	s.subMu.Unlock()

	allowed := device.CanSubscribe(subject.Matches, msg.Subject)
	s.sink.AuthorizationCheck("subscribe", allowed)
	if !allowed {
		s.enqueueError("not authorized to subscribe to this subject", msg.CorrelationID)
		return
	}

	handle, err := s.nats.SubscribeDevice(device.ClientID, msg.Subject, s.deliverToDevice)
	if err != nil {
		s.log.Warn("subscribe failed", "subject", msg.Subject, "error", err)
		s.enqueueError("subscribe failed", msg.CorrelationID)
		return
	}

	s.subMu.Lock()
	s.subs[msg.Subject] = handle
	s.subMu.Unlock()

	s.enqueue(protocol.NewAck(msg.Subject, msg.CorrelationID))
}

func (s *Session) handleUnsubscribe(device *auth.DeviceContext, msg *protocol.WireMessage) {
	s.subMu.Lock()
	handle, ok := s.subs[msg.Subject]
	if ok {
		delete(s.subs, msg.Subject)
	}
	s.subMu.Unlock()

	if !ok {
		s.enqueueError("not subscribed to this subject", msg.CorrelationID)
		return
	}

	if err := s.nats.Unsubscribe(device.ClientID, msg.Subject, handle); err != nil {
		s.log.Warn("unsubscribe failed", "subject", msg.Subject, "error", err)
	}
	s.enqueue(protocol.NewAck(msg.Subject, msg.CorrelationID))
}

// deliverToDevice is invoked by the NATS adapter for every message matching
// a subscription this session created. It must never block the adapter.
func (s *Session) deliverToDevice(subj string, payload []byte) error {
	out := &protocol.WireMessage{Type: protocol.TypeMessage, Subject: subj, Payload: payload}
	frame, err := protocol.Encode(out)
	if err != nil {
		return err
	}
	s.sink.BufferEnqueue()
	if s.outbound == nil || !s.outbound.Enqueue(frame) {
		return nil // drop-newest policy: still ack upstream, per §7 buffer overflow handling
	}
	return nil
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.conn.Close()

	for frame := range s.outbound.C() {
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		w, err := s.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(frame)
		s.sink.MessageSent("frame")
		if err := w.Close(); err != nil {
			return
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(s.lastActivity())
			switch {
			case idle >= s.cfg.Server.PingInterval+s.cfg.Server.PingTimeout:
				s.close(1001, "heartbeat timeout")
				return
			case idle >= s.cfg.Server.PingInterval:
				s.enqueue(protocol.NewPing())
			}
		}
	}
}

func (s *Session) enqueueError(text, correlationID string) {
	s.enqueue(protocol.NewError(text, correlationID))
	s.sink.MessageSent("error")
}

func (s *Session) enqueue(msg *protocol.WireMessage) {
	if s.outbound == nil {
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	s.sink.BufferEnqueue()
	s.outbound.Enqueue(frame)
}

func (s *Session) currentDevice() *auth.DeviceContext {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	return s.device
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) lastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// close tears the session down exactly once: unsubscribes every JetStream
// consumer, removes the registry binding, closes the outbound buffer
// (unblocking the writer), sends the WebSocket close frame, and cancels the
// session's context.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))

		device := s.currentDevice()
		if device != nil {
			s.subMu.Lock()
			subs := s.subs
			s.subs = nil
			s.subMu.Unlock()
			for pattern, handle := range subs {
				s.nats.Unsubscribe(device.ClientID, pattern, handle)
			}
			s.registry.Remove(device.ClientID, s)
		}

		if s.outbound != nil {
			s.outbound.Close()
		}

		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		closeMsg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))

		s.cancel()
		s.sink.ConnectionClosed(reason)
		s.state.Store(int32(stateClosed))
	})
}

// closeConnOnly is used during the pre-auth handshake, before a device
// identity or outbound buffer exists to tear down.
func (s *Session) closeConnOnly(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))
		closeMsg := websocket.FormatCloseMessage(code, reason)
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		s.conn.Close()
		s.cancel()
		s.sink.ConnectionClosed(reason)
		s.state.Store(int32(stateClosed))
	})
}

func msgTypeName(t protocol.MessageType) string {
	names := [...]string{"publish", "subscribe", "unsubscribe", "message", "request", "reply", "ack", "error", "auth", "ping", "pong"}
	if int(t) >= 0 && int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}
