package devserver

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/newschat/pkg/protocol"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorPayload{Error: msg})
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// recorder captures a response so it can be replayed for a repeated idempotency key.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// idempotent replays the first successful response for a request carrying a known key.
func (s *Server) idempotent(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := idempotencyKeyFromRequest(r)
		cacheKey := ""
		if key != "" {
			cacheKey = r.Method + " " + r.URL.Path + " " + key
		}
		if cached, ok := s.idem.get(cacheKey); ok {
			s.logger.Debug().Str("request_id", key).Str("path", r.URL.Path).Msg("replaying idempotent response")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.status)
			_, _ = w.Write(cached.body)
			return
		}
		rec := &recorder{ResponseWriter: w}
		h(rec, r)
		if rec.status >= 200 && rec.status < 300 {
			s.idem.put(cacheKey, rec.status, rec.buf.Bytes())
		}
		s.logger.Debug().
			Str("request_id", requestIDFromKey(key)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("handled")
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.ListSessionsResponse{Sessions: s.store.List()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess := s.store.Create(req.Title)
	writeJSON(w, http.StatusCreated, protocol.SessionCreated{
		SessionID: sess.ID,
		Title:     sess.Title,
		Timestamp: sess.CreatedAt,
	})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req protocol.UpdateSessionTitleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	sess, err := s.store.Rename(id, req.Title)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = s.hub.Notify(id, protocol.EventSessionUpdated, protocol.SessionUpdated{Session: &sess})
	writeJSON(w, http.StatusOK, struct {
		protocol.SessionTitleUpdated
		Session *protocol.SessionSummary `json:"session"`
	}{
		SessionTitleUpdated: protocol.SessionTitleUpdated{SessionID: id, Title: sess.Title},
		Session:             &sess,
	})
}

// handleDeleteSession removes the session when deleteSession=true and otherwise only clears its
// messages.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleteSession, _ := strconv.ParseBool(r.URL.Query().Get("deleteSession"))
	if !deleteSession {
		if err := s.store.Clear(id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.SessionDeleted{SessionID: id})
		return
	}
	if err := s.store.Delete(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.CloseRoom(id)
	writeJSON(w, http.StatusOK, protocol.SessionDeleted{SessionID: id, Deleted: true})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.store.Create("").ID
	} else if _, ok := s.store.Get(sessionID); !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}

	reply, err := s.answer(r.Context(), sessionID, req.Message)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("chat request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	autoTitle, err := s.store.AppendTurn(sessionID, req.Message, reply, AutoTitle(req.Message))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := protocol.ChatResponse{
		Sources:   reply.Sources,
		SessionID: sessionID,
		AutoTitle: autoTitle,
	}
	if s.legacyReplyField {
		resp.Message = reply.Text
	} else {
		resp.Response = reply.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	SessionID string                    `json:"sessionId"`
	Session   protocol.SessionSummary   `json:"session"`
	History   []protocol.HistoryMessage `json:"history,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}
	resp := historyResponse{SessionID: id, Session: sess}
	if !s.legacyHistoryOnly {
		msgs, err := s.store.Messages(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp.History = historyMessages(msgs)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLegacyHistory answers with a bare message list.
func (s *Server) handleLegacyHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Messages(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := historyMessages(msgs)
	if out == nil {
		out = []protocol.HistoryMessage{}
	}
	writeJSON(w, http.StatusOK, out)
}

func historyMessages(msgs []StoredMessage) []protocol.HistoryMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]protocol.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		ts, _ := json.Marshal(m.Timestamp.UTC().Format(time.RFC3339Nano))
		out = append(out, protocol.HistoryMessage{
			ID:        json.RawMessage(strconv.FormatInt(m.ID, 10)),
			Type:      m.Type,
			Content:   m.Content,
			Sources:   m.Sources,
			Timestamp: ts,
			IsError:   m.IsError,
		})
	}
	return out
}

func writeStoreError(w http.ResponseWriter, err error) {
	if stderrors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
