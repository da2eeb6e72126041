package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat_fanout/internal/apperr"
)

// newTestRepo opens a fresh SQLite database whose clock advances one second per call.
func newTestRepo(t *testing.T) *SQLChatRepository {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewChatRepository(db, DriverSQLite)
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func TestFindOrCreateDirectChat_IsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()

	first, created, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)
	req.True(created)

	second, created, err := repo.FindOrCreateDirectChat(ctx, b, a)
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, second.ID)
	req.ElementsMatch([]uuid.UUID{a, b}, second.Members)

	chats, err := repo.GetUserChats(ctx, a)
	req.NoError(err)
	req.Len(chats, 1)
}

func TestFindOrCreateDirectChat_Concurrent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()

	const callers = 8
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chat, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
			errs[i] = err
			if chat != nil {
				ids[i] = chat.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		req.NoError(errs[i])
		req.Equal(ids[0], ids[i])
	}
}

func TestFindOrCreateDirectChat_RejectsSelfChat(t *testing.T) {
	repo := newTestRepo(t)
	a := uuid.New()
	_, _, err := repo.FindOrCreateDirectChat(context.Background(), a, a)
	require.True(t, apperr.Is(err, apperr.KindMalformed))
}

func TestCreateChat(t *testing.T) {
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	tests := []struct {
		name    string
		members []uuid.UUID
		isGroup bool
		kind    apperr.Kind
	}{
		{"direct chat", []uuid.UUID{a, b}, false, apperr.KindUnknown},
		{"direct chat with duplicates", []uuid.UUID{a, b, a}, false, apperr.KindUnknown},
		{"direct chat with three members", []uuid.UUID{a, b, c}, false, apperr.KindMalformed},
		{"direct chat with one member", []uuid.UUID{a, a}, false, apperr.KindMalformed},
		{"group chat", []uuid.UUID{a, b, c}, true, apperr.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestRepo(t)
			chat, err := repo.CreateChat(ctx, tt.members, tt.isGroup, "team")
			if tt.kind != apperr.KindUnknown {
				require.Equal(t, tt.kind, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)

			found, err := repo.FindChatByID(ctx, chat.ID)
			require.NoError(t, err)
			require.Equal(t, tt.isGroup, found.IsGroupChat)
			require.ElementsMatch(t, chat.Members, found.Members)
		})
	}
}

func TestCreateChat_DirectDuplicateConflicts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()

	_, err := repo.CreateChat(ctx, []uuid.UUID{a, b}, false, "")
	req.NoError(err)
	_, err = repo.CreateChat(ctx, []uuid.UUID{b, a}, false, "")
	req.True(apperr.Is(err, apperr.KindAlreadyExists))

	// group chats with the same members are allowed
	_, err = repo.CreateChat(ctx, []uuid.UUID{a, b}, true, "one")
	req.NoError(err)
	_, err = repo.CreateChat(ctx, []uuid.UUID{a, b}, true, "two")
	req.NoError(err)
}

func TestFindChatByMembers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()

	_, err := repo.FindChatByMembers(ctx, a, b)
	req.True(apperr.Is(err, apperr.KindNotFound))

	created, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)

	found, err := repo.FindChatByMembers(ctx, b, a)
	req.NoError(err)
	req.Equal(created.ID, found.ID)
}

func TestFindChatByID_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.FindChatByID(context.Background(), uuid.New())
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateMessage_PopulatesSenderAndLatest(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()
	req.NoError(repo.EnsureUser(ctx, a, "alice"))

	chat, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)

	msg, err := repo.CreateMessage(ctx, chat.ID, a, "hello")
	req.NoError(err)
	req.NotNil(msg.Sender)
	req.Equal("alice", msg.Sender.UserName)
	req.Empty(msg.ReadBy)

	// unknown sender still persists, just without a populated sender
	anon, err := repo.CreateMessage(ctx, chat.ID, b, "hi")
	req.NoError(err)
	req.Nil(anon.Sender)

	found, err := repo.FindChatByID(ctx, chat.ID)
	req.NoError(err)
	req.NotNil(found.LatestMessage)
	req.Equal(anon.ID, found.LatestMessage.ID)
	req.Equal("hi", found.LatestMessage.Content)
}

func TestCreateMessage_UnknownChat(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateMessage(context.Background(), uuid.New(), uuid.New(), "hello")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestGetMessagesByChatID_OldestFirst(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()
	chat, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := repo.CreateMessage(ctx, chat.ID, a, content)
		req.NoError(err)
	}

	messages, err := repo.GetMessagesByChatID(ctx, chat.ID)
	req.NoError(err)
	req.Len(messages, 3)
	req.Equal("one", messages[0].Content)
	req.Equal("two", messages[1].Content)
	req.Equal("three", messages[2].Content)

	empty, err := repo.GetMessagesByChatID(ctx, uuid.New())
	req.NoError(err)
	req.Empty(empty)
}

func TestGetUserChats_NewestFirst(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	me, bob, carol := uuid.New(), uuid.New(), uuid.New()

	withBob, _, err := repo.FindOrCreateDirectChat(ctx, me, bob)
	req.NoError(err)
	withCarol, _, err := repo.FindOrCreateDirectChat(ctx, me, carol)
	req.NoError(err)
	_, _, err = repo.FindOrCreateDirectChat(ctx, bob, carol)
	req.NoError(err)

	_, err = repo.CreateMessage(ctx, withBob.ID, bob, "latest")
	req.NoError(err)

	chats, err := repo.GetUserChats(ctx, me)
	req.NoError(err)
	req.Len(chats, 2)
	req.Equal(withBob.ID, chats[0].ID)
	req.Equal("latest", chats[0].LatestMessage.Content)
	req.Equal(withCarol.ID, chats[1].ID)
	req.Nil(chats[1].LatestMessage)

	none, err := repo.GetUserChats(ctx, uuid.New())
	req.NoError(err)
	req.Empty(none)
}

func TestIsChatMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()
	chat, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)

	ok, err := repo.IsChatMember(ctx, chat.ID, a)
	req.NoError(err)
	req.True(ok)

	ok, err = repo.IsChatMember(ctx, chat.ID, uuid.New())
	req.NoError(err)
	req.False(ok)

	ok, err = repo.IsChatMember(ctx, uuid.New(), a)
	req.NoError(err)
	req.False(ok)
}

func TestMarkChatRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()
	chat, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)

	_, err = repo.CreateMessage(ctx, chat.ID, a, "from a")
	req.NoError(err)
	_, err = repo.CreateMessage(ctx, chat.ID, b, "from b")
	req.NoError(err)
	_, err = repo.CreateMessage(ctx, chat.ID, a, "from a again")
	req.NoError(err)

	marked, err := repo.MarkChatRead(ctx, chat.ID, b)
	req.NoError(err)
	req.EqualValues(2, marked)

	marked, err = repo.MarkChatRead(ctx, chat.ID, b)
	req.NoError(err)
	req.EqualValues(0, marked)

	messages, err := repo.GetMessagesByChatID(ctx, chat.ID)
	req.NoError(err)
	req.Equal([]uuid.UUID{b}, messages[0].ReadBy)
	req.Empty(messages[1].ReadBy)
	req.Equal([]uuid.UUID{b}, messages[2].ReadBy)
}

func TestEnsureUser(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := newTestRepo(t)
	a, b := uuid.New(), uuid.New()
	chat, _, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)

	req.NoError(repo.EnsureUser(ctx, a, ""))
	msg, err := repo.CreateMessage(ctx, chat.ID, a, "x")
	req.NoError(err)
	req.Equal("user_"+a.String()[:8], msg.Sender.UserName)

	// an empty name never overwrites a known one
	req.NoError(repo.EnsureUser(ctx, a, "alice"))
	req.NoError(repo.EnsureUser(ctx, a, ""))
	msg, err = repo.CreateMessage(ctx, chat.ID, a, "y")
	req.NoError(err)
	req.Equal("alice", msg.Sender.UserName)
}

func TestRebind(t *testing.T) {
	req := require.New(t)
	query := "SELECT * FROM t WHERE a = ? AND b = ?"
	req.Equal(query, rebind(DriverSQLite, query))
	req.Equal("SELECT * FROM t WHERE a = $1 AND b = $2", rebind(DriverPostgres, query))
}

func TestPairKey_OrderIndependent(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	require.Equal(t, PairKey(a, b), PairKey(b, a))
	require.NotEqual(t, PairKey(a, b), PairKey(a, uuid.New()))
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DB_CONN_STR")
	if dsn == "" {
		t.Skip("TEST_DB_CONN_STR not set")
	}
	req := require.New(t)
	ctx := context.Background()
	db, err := Open(ctx, DriverPostgres, dsn)
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewChatRepository(db, DriverPostgres)
	req.NoError(repo.Migrate(ctx))

	a, b := uuid.New(), uuid.New()
	req.NoError(repo.EnsureUser(ctx, a, "alice"))
	chat, created, err := repo.FindOrCreateDirectChat(ctx, a, b)
	req.NoError(err)
	req.True(created)

	msg, err := repo.CreateMessage(ctx, chat.ID, a, "hello")
	req.NoError(err)
	req.Equal("alice", msg.Sender.UserName)

	marked, err := repo.MarkChatRead(ctx, chat.ID, b)
	req.NoError(err)
	req.EqualValues(1, marked)

	messages, err := repo.GetMessagesByChatID(ctx, chat.ID)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal([]uuid.UUID{b}, messages[0].ReadBy)
}
