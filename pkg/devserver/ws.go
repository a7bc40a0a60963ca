package devserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	peer := NewPeer(conn, s.writeTimeout)
	if !s.trackPeer(peer) {
		_ = peer.Close()
		return
	}
	logger := s.logger.With().Str("peer_id", peer.ID()).Logger()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("peer connected")
	defer func() {
		s.hub.Drop(peer)
		s.untrackPeer(peer)
		_ = peer.Close()
		logger.Info().Msg("peer disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := protocol.DecodeFrame(data)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed frame")
			_ = peer.Send(protocol.EventSessionError, protocol.ErrorPayload{Error: "malformed frame"})
			continue
		}
		s.dispatch(peer, env)
	}
}

// dispatch handles one client frame. Answers to session operations go to the requesting peer only.
func (s *Server) dispatch(p *Peer, env protocol.Envelope) {
	logger := s.logger.With().Str("peer_id", p.ID()).Str("event", env.Event).Logger()
	sessionError := func(sessionID, msg string) {
		_ = p.Send(protocol.EventSessionError, protocol.ErrorPayload{SessionID: sessionID, Error: msg})
	}

	switch env.Event {
	case protocol.EventJoinSession:
		id, err := protocol.DecodeData[string](env.Data)
		if err != nil || id == "" {
			sessionError("", "session id is required")
			return
		}
		if err := s.hub.Join(id, p); err != nil {
			logger.Error().Err(err).Str("session_id", id).Msg("join failed")
		}

	case protocol.EventLeaveSession:
		id, err := protocol.DecodeData[string](env.Data)
		if err == nil && id != "" {
			s.hub.Leave(id, p)
		}

	case protocol.EventCreateSession:
		req, err := protocol.DecodeData[protocol.CreateSessionRequest](env.Data)
		if err != nil {
			sessionError("", "invalid create-session payload")
			return
		}
		sess := s.store.Create(req.Title)
		_ = p.Send(protocol.EventSessionCreated, protocol.SessionCreated{
			SessionID: sess.ID,
			Title:     sess.Title,
			Timestamp: sess.CreatedAt,
		})

	case protocol.EventUpdateSessionTitle:
		req, err := protocol.DecodeData[protocol.UpdateSessionTitleRequest](env.Data)
		if err != nil || req.SessionID == "" {
			sessionError(req.SessionID, "invalid update-session-title payload")
			return
		}
		sess, err := s.store.Rename(req.SessionID, req.Title)
		if err != nil {
			sessionError(req.SessionID, err.Error())
			return
		}
		_ = p.Send(protocol.EventSessionTitleUpdated, protocol.SessionTitleUpdated{SessionID: sess.ID, Title: sess.Title})
		_ = s.hub.Notify(sess.ID, protocol.EventSessionUpdated, protocol.SessionUpdated{Session: &sess})

	case protocol.EventDeleteSession:
		req, err := protocol.DecodeData[protocol.DeleteSessionRequest](env.Data)
		if err != nil || req.SessionID == "" {
			sessionError(req.SessionID, "invalid delete-session payload")
			return
		}
		if err := s.store.Delete(req.SessionID); err != nil {
			sessionError(req.SessionID, err.Error())
			return
		}
		s.hub.CloseRoom(req.SessionID)
		_ = p.Send(protocol.EventSessionDeleted, protocol.SessionDeleted{SessionID: req.SessionID, Deleted: true})

	case protocol.EventSendMessage:
		req, err := protocol.DecodeData[protocol.SendMessageRequest](env.Data)
		if err != nil || req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
			_ = p.Send(protocol.EventStreamError, protocol.ErrorPayload{SessionID: req.SessionID, Error: "sessionId and message are required"})
			return
		}
		if _, ok := s.store.Get(req.SessionID); !ok {
			_ = p.Send(protocol.EventStreamError, protocol.ErrorPayload{SessionID: req.SessionID, Error: ErrSessionNotFound.Error()})
			return
		}
		// the sender always receives its own stream
		if err := s.hub.Join(req.SessionID, p); err != nil {
			_ = p.Send(protocol.EventStreamError, protocol.ErrorPayload{SessionID: req.SessionID, Error: err.Error()})
			return
		}
		sessionID, text := req.SessionID, req.Message
		s.goStream(func(ctx context.Context) { s.streamTurn(ctx, sessionID, text) })

	default:
		logger.Debug().Msg("ignoring unknown event")
	}
}
