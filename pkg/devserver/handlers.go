package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/restapi"
)

const maxBodyBytes = 1 << 20

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleCreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.hub.ServeWS)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	records, err := s.store.ListConversations(r.Context(), limit)
	if err != nil {
		s.internalError(w, err, "list conversations")
		return
	}
	out := restapi.ConversationsResponse{Conversations: make([]chatsync.Conversation, 0, len(records))}
	for _, rec := range records {
		out.Conversations = append(out.Conversations, rec.Conversation)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req restapi.CreateConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := s.store.CreateConversation(r.Context(), req.Title)
	if err != nil {
		s.internalError(w, err, "create conversation")
		return
	}
	s.log.Info().Str("conv_id", conv.ID).Str("title", conv.Title).Msg("conversation created")
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	msgs, err := s.store.ListMessages(r.Context(), convID, intQuery(r, "limit", 0))
	if errors.Is(err, chatstore.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "list messages")
		return
	}
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	writeJSON(w, http.StatusOK, restapi.MessagesResponse{Messages: msgs})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var req restapi.CreateMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is empty")
		return
	}
	if !s.limiter.Allow(convID) {
		s.metrics.SendsLimited.Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}

	stored, created, err := s.store.AppendMessage(r.Context(), chatsync.Message{
		LocalID:        req.LocalID,
		ConversationID: convID,
		SenderType:     chatsync.SenderUser,
		Content:        req.Content,
	})
	if errors.Is(err, chatstore.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "store message")
		return
	}
	if !created {
		// A retry of a message we already have; it was announced and answered the first time.
		writeJSON(w, http.StatusOK, stored)
		return
	}
	s.metrics.MessagesStored.WithLabelValues(string(chatsync.SenderUser)).Inc()
	if err := s.responder.Announce(stored); err != nil {
		s.log.Warn().Err(err).Str("conv_id", convID).Msg("announce user message")
	}
	pos := s.responder.Enqueue(stored)
	s.log.Debug().Str("conv_id", convID).Str("message_id", stored.ID).Int("queue_pos", pos).Msg("message stored")
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) internalError(w http.ResponseWriter, err error, what string) {
	s.log.Error().Err(err).Msg(what)
	writeError(w, http.StatusInternalServerError, what+" failed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid json body")
	}
	return nil
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, restapi.ErrorResponse{Error: msg})
}
