package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsSession is one client socket. Events flow out through send; the
// client steers with subscribe, unsubscribe, approval.response, and
// stop_generation frames using the same envelope as server events.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id      string
	ownerID string

	mu    sync.Mutex
	rooms map[string]*bus.Subscription
	wg    sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	owner, err := s.auth.Authenticate(r)
	if err != nil {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		ownerID: owner,
		rooms:   make(map[string]*bus.Subscription),
	}
	s.addSession(session)
	s.logger.Debug("websocket session opened", "session_id", session.id, "owner_id", owner)
	session.run()
}

func (s *wsSession) run() {
	defer s.teardown()
	go s.writeLoop()
	s.readLoop()
}

// stop force-closes the session from outside the read loop.
func (s *wsSession) stop() {
	s.cancel()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
	_ = s.conn.Close()                                            //nolint:errcheck
}

func (s *wsSession) teardown() {
	s.cancel()

	s.mu.Lock()
	subs := make([]*bus.Subscription, 0, len(s.rooms))
	for _, sub := range s.rooms {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()
	_ = s.conn.Close() //nolint:errcheck
	s.server.dropSession(s)

	// A vanished last subscriber optionally cancels the conversation's
	// turns, per the disconnect policy.
	if s.server.broker != nil && s.server.broker.StopsOnDisconnect() {
		for _, sub := range subs {
			conversationID := sub.ConversationID()
			if s.server.bus.SubscriberCount(conversationID) > 0 {
				continue
			}
			if n := s.server.broker.StopConversation(conversationID); n > 0 {
				s.server.logger.Info("stopped turns after client disconnect",
					"conversation_id", conversationID,
					"turns", n)
			}
		}
	}
	s.server.logger.Debug("websocket session closed", "session_id", s.id)
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame models.Event
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("validation", "malformed frame")
			continue
		}
		s.dispatch(frame)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) dispatch(frame models.Event) {
	switch frame.Type {
	case models.EventSubscribe:
		s.subscribe(conversationIDOf(frame))
	case models.EventUnsubscribe:
		s.unsubscribe(conversationIDOf(frame))
	case models.EventStopGeneration:
		s.stopGeneration(frame)
	case models.EventApprovalResponse:
		s.approvalResponse(frame)
	default:
		s.sendError("validation", "unknown event "+string(frame.Type))
	}
}

func (s *wsSession) subscribe(conversationID string) {
	if conversationID == "" {
		s.sendError("validation", "conversation_id is required")
		return
	}
	conv, err := s.server.store.GetConversation(s.ctx, conversationID)
	if err != nil {
		s.sendError("not_found", "conversation "+conversationID+" not found")
		return
	}
	if conv.OwnerID != s.ownerID {
		s.sendError("authorization", "conversation belongs to another owner")
		return
	}

	s.mu.Lock()
	if _, ok := s.rooms[conversationID]; ok {
		s.mu.Unlock()
		return
	}
	sub := s.server.bus.Subscribe(conversationID)
	s.rooms[conversationID] = sub
	s.wg.Add(1)
	s.mu.Unlock()
	go s.pump(sub)
}

func (s *wsSession) unsubscribe(conversationID string) {
	s.mu.Lock()
	sub, ok := s.rooms[conversationID]
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (s *wsSession) stopGeneration(frame models.Event) {
	var data models.StopGenerationData
	if len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &data) //nolint:errcheck
	}
	turnID := data.TurnID
	if turnID == "" {
		turnID = frame.TurnID
	}
	if turnID == "" {
		s.sendError("validation", "turn_id is required")
		return
	}
	if !s.server.broker.Stop(turnID) {
		s.sendError("not_found", "no active turn "+turnID)
	}
}

func (s *wsSession) approvalResponse(frame models.Event) {
	if s.server.arbiter == nil {
		s.sendError("validation", "approvals are not enabled")
		return
	}
	var data models.ApprovalResponseData
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.RequestID == "" {
		s.sendError("validation", "request_id is required")
		return
	}
	// Duplicate or expired responses are dropped silently; the first
	// response is authoritative.
	s.server.arbiter.ResolveResponse(frame.ConversationID, data)
}

// pump forwards one room's bus events onto the socket until the
// subscription closes. A client that stops draining its socket is
// disconnected rather than blocking the bus.
func (s *wsSession) pump(sub *bus.Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if !s.enqueue(ev) {
			s.server.logger.Warn("websocket send buffer full, dropping session",
				"session_id", s.id,
				"conversation_id", sub.ConversationID())
			s.stop()
			return
		}
	}
	s.dropRoom(sub)
}

func (s *wsSession) dropRoom(sub *bus.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[sub.ConversationID()] == sub {
		delete(s.rooms, sub.ConversationID())
	}
}

func (s *wsSession) enqueue(ev models.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *wsSession) sendError(code, message string) {
	ev := models.NewEvent(models.EventError, "", "", 0, models.ErrorData{
		Code:    code,
		Message: message,
	})
	s.enqueue(ev)
}

func conversationIDOf(frame models.Event) string {
	var data models.SubscribeData
	if len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &data) //nolint:errcheck
	}
	if data.ConversationID != "" {
		return strings.TrimSpace(data.ConversationID)
	}
	return strings.TrimSpace(frame.ConversationID)
}
