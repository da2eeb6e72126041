package chats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat_fanout/internal/apperr"
	"chat_fanout/internal/logger"
	"chat_fanout/internal/repository"
)

func newService(t *testing.T) (*Service, *repository.SQLChatRepository) {
	t.Helper()
	ctx := context.Background()
	db, err := repository.Open(ctx, repository.DriverSQLite, filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewChatRepository(db, repository.DriverSQLite)
	require.NoError(t, repo.Migrate(ctx))
	return NewService(repo, logger.NewNop()), repo
}

func TestCreateChat_DirectIsIdempotent(t *testing.T) {
	req := require.New(t)
	svc, _ := newService(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	first, created, err := svc.CreateChat(ctx, alice, CreateChatInput{UserID: bob.String()})
	req.NoError(err)
	req.True(created)

	second, created, err := svc.CreateChat(ctx, bob, CreateChatInput{UserIDs: []string{alice.String()}})
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, second.ID)
}

func TestCreateChat_Validation(t *testing.T) {
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	tests := []struct {
		name string
		in   CreateChatInput
	}{
		{"no other user", CreateChatInput{}},
		{"only self", CreateChatInput{UserID: alice.String()}},
		{"direct with two others", CreateChatInput{UserIDs: []string{bob.String(), carol.String()}}},
		{"invalid id", CreateChatInput{UserID: "bob"}},
		{"group without others", CreateChatInput{IsGroupChat: true, UserIDs: []string{alice.String()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t)
			_, _, err := svc.CreateChat(context.Background(), alice, tt.in)
			require.True(t, apperr.Is(err, apperr.KindMalformed), "got %v", err)
		})
	}
}

func TestCreateChat_UserIDsTakePrecedence(t *testing.T) {
	req := require.New(t)
	svc, _ := newService(t)
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	chat, created, err := svc.CreateChat(ctx, alice, CreateChatInput{
		UserID:  bob.String(),
		UserIDs: []string{carol.String()},
	})
	req.NoError(err)
	req.True(created)
	req.False(chat.IsGroupChat)
	req.ElementsMatch([]uuid.UUID{alice, carol}, chat.Members)
}

func TestCreateChat_Group(t *testing.T) {
	req := require.New(t)
	svc, _ := newService(t)
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	chat, created, err := svc.CreateChat(ctx, alice, CreateChatInput{
		IsGroupChat: true,
		Name:        " team ",
		UserIDs:     []string{bob.String(), carol.String(), bob.String()},
	})
	req.NoError(err)
	req.True(created)
	req.True(chat.IsGroupChat)
	req.Equal("team", chat.Name)
	req.ElementsMatch([]uuid.UUID{alice, bob, carol}, chat.Members)

	chats, err := svc.ListChats(ctx, carol)
	req.NoError(err)
	req.Len(chats, 1)
}

func TestHistory_Authorization(t *testing.T) {
	req := require.New(t)
	svc, repo := newService(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	chat, _, err := svc.CreateChat(ctx, alice, CreateChatInput{UserID: bob.String()})
	req.NoError(err)
	_, err = repo.CreateMessage(ctx, chat.ID, alice, "first")
	req.NoError(err)
	_, err = repo.CreateMessage(ctx, chat.ID, bob, "second")
	req.NoError(err)

	messages, err := svc.History(ctx, bob, chat.ID)
	req.NoError(err)
	req.Len(messages, 2)
	req.Equal("first", messages[0].Content)

	_, err = svc.History(ctx, uuid.New(), chat.ID)
	req.True(apperr.Is(err, apperr.KindForbidden))

	_, err = svc.History(ctx, alice, uuid.New())
	req.True(apperr.Is(err, apperr.KindNotFound))
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	svc, repo := newService(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	chat, _, err := svc.CreateChat(ctx, alice, CreateChatInput{UserID: bob.String()})
	req.NoError(err)
	_, err = repo.CreateMessage(ctx, chat.ID, alice, "hello")
	req.NoError(err)

	marked, err := svc.MarkRead(ctx, bob, chat.ID)
	req.NoError(err)
	req.EqualValues(1, marked)

	_, err = svc.MarkRead(ctx, uuid.New(), chat.ID)
	req.True(apperr.Is(err, apperr.KindForbidden))
}
