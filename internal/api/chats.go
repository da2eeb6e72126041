package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chat_fanout/internal/apperr"
	"chat_fanout/internal/auth"
	"chat_fanout/internal/chats"
)

const maxBodyBytes = 64 * 1024

// ChatHandler serves the chat endpoints. Every route expects Authenticate upstream.
type ChatHandler struct {
	svc *chats.Service
}

func NewChatHandler(svc *chats.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Post("/", h.CreateChat)
		r.Get("/", h.ListChats)
		r.Get("/{id}/messages", h.History)
		r.Post("/{id}/read", h.MarkRead)
	})
}

// CreateChat returns 201 for a new chat and 200 when an existing direct chat is reused.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		Error(w, apperr.E(apperr.KindInvalidCredentials, "api.CreateChat", errors.New("unauthenticated")))
		return
	}

	var in chats.CreateChatInput
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		Error(w, apperr.Malformed("api.CreateChat", fmt.Errorf("invalid body: %w", err)))
		return
	}

	chat, created, err := h.svc.CreateChat(r.Context(), identity.UserID, in)
	if err != nil {
		Error(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, chat)
}

func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		Error(w, apperr.E(apperr.KindInvalidCredentials, "api.ListChats", errors.New("unauthenticated")))
		return
	}
	list, err := h.svc.ListChats(r.Context(), identity.UserID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, chatID, ok := callerAndChat(w, r, "api.History")
	if !ok {
		return
	}
	messages, err := h.svc.History(r.Context(), identity.UserID, chatID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, chatID, ok := callerAndChat(w, r, "api.MarkRead")
	if !ok {
		return
	}
	marked, err := h.svc.MarkRead(r.Context(), identity.UserID, chatID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"marked": marked})
}

func callerAndChat(w http.ResponseWriter, r *http.Request, op string) (auth.Identity, uuid.UUID, bool) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		Error(w, apperr.E(apperr.KindInvalidCredentials, op, errors.New("unauthenticated")))
		return auth.Identity{}, uuid.Nil, false
	}
	chatID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, apperr.Malformed(op, fmt.Errorf("invalid chat id %q", chi.URLParam(r, "id"))))
		return auth.Identity{}, uuid.Nil, false
	}
	return identity, chatID, true
}
