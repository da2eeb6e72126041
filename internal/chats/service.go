package chats

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat_fanout/internal/apperr"
	"chat_fanout/internal/domain"
	"chat_fanout/internal/logger"
	"chat_fanout/internal/repository"
)

type CreateChatInput struct {
	UserID      string   `json:"userId,omitempty"`
	UserIDs     []string `json:"userIds,omitempty"`
	IsGroupChat bool     `json:"isGroupChat,omitempty"`
	Name        string   `json:"name,omitempty" validate:"max=100"`
}

type Service struct {
	repo repository.ChatRepository
	log  *logger.Logger
}

func NewService(repo repository.ChatRepository, log *logger.Logger) *Service {
	return &Service{repo: repo, log: log.With("component", "chats")}
}

// CreateChat returns the direct chat between the caller and one other user, creating it if
// needed, or creates a new group chat. The flag reports whether a chat was created.
func (s *Service) CreateChat(ctx context.Context, caller uuid.UUID, in CreateChatInput) (*domain.Chat, bool, error) {
	const op = "chats.CreateChat"
	if err := domain.Validate(op, &in); err != nil {
		return nil, false, err
	}

	// userIds wins over userId when both are sent.
	raw := in.UserIDs
	if len(raw) == 0 && in.UserID != "" {
		raw = []string{in.UserID}
	}
	members := []uuid.UUID{caller}
	for _, id := range raw {
		parsed, err := uuid.Parse(strings.TrimSpace(id))
		if err != nil {
			return nil, false, apperr.Malformed(op, fmt.Errorf("invalid user id %q", id))
		}
		members = append(members, parsed)
	}
	members = lo.Uniq(members)

	if !in.IsGroupChat {
		if len(members) != 2 {
			return nil, false, apperr.Malformed(op, fmt.Errorf("a direct chat needs exactly one other user, got %d members", len(members)))
		}
		chat, created, err := s.repo.FindOrCreateDirectChat(ctx, members[0], members[1])
		if err != nil {
			return nil, false, err
		}
		if created {
			s.log.Info("direct chat created", "chatId", chat.ID, "userId", caller)
		}
		return chat, created, nil
	}

	if len(members) < 2 {
		return nil, false, apperr.Malformed(op, fmt.Errorf("a group chat needs at least one other user"))
	}
	chat, err := s.repo.CreateChat(ctx, members, true, strings.TrimSpace(in.Name))
	if err != nil {
		return nil, false, err
	}
	s.log.Info("group chat created", "chatId", chat.ID, "userId", caller, "members", len(members))
	return chat, true, nil
}

func (s *Service) ListChats(ctx context.Context, caller uuid.UUID) ([]*domain.Chat, error) {
	return s.repo.GetUserChats(ctx, caller)
}

// History returns the full message history of a chat the caller belongs to, oldest first.
func (s *Service) History(ctx context.Context, caller, chatID uuid.UUID) ([]*domain.Message, error) {
	if err := s.authorize(ctx, "chats.History", caller, chatID); err != nil {
		return nil, err
	}
	return s.repo.GetMessagesByChatID(ctx, chatID)
}

// MarkRead records that the caller has read every message in the chat.
func (s *Service) MarkRead(ctx context.Context, caller, chatID uuid.UUID) (int64, error) {
	if err := s.authorize(ctx, "chats.MarkRead", caller, chatID); err != nil {
		return 0, err
	}
	return s.repo.MarkChatRead(ctx, chatID, caller)
}

func (s *Service) authorize(ctx context.Context, op string, caller, chatID uuid.UUID) error {
	chat, err := s.repo.FindChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasMember(caller) {
		return apperr.Forbidden(op, fmt.Errorf("user %s is not a member of chat %s", caller, chatID))
	}
	return nil
}
