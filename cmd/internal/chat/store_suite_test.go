package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"chatter/cmd/internal/cursor"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func newTestMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

func newTestBadgerStore(t *testing.T) Store {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := NewBadgerStore(db)
	require.NoError(t, err)
	return st
}

// forEachStore runs fn against every backend. Postgres joins when
// CHATTER_DATABASE_URL is set (see store_postgres_integration_test.go).
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	backends := []struct {
		name string
		new  storeFactory
	}{
		{"memory", newTestMemoryStore},
		{"badger", newTestBadgerStore},
		{"postgres", newTestPostgresStore},
	}
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			fn(t, b.new(t))
		})
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustUser(t *testing.T, st Store, name string) User {
	t.Helper()
	u, err := st.CreateUser(testCtx(t), CreateUserInput{
		Username: name,
		Email:    name + "@example.com",
		Now:      t0,
	})
	require.NoError(t, err)
	return u
}

func mustChat(t *testing.T, st Store, creator string, private bool, at time.Time, members ...string) Chat {
	t.Helper()
	c, err := st.CreateChat(testCtx(t), CreateChatInput{
		Name:      "chat-" + at.Format("150405.000000"),
		IsPrivate: private,
		CreatorID: creator,
		MemberIDs: NormalizeMembers(creator, members),
		Now:       at,
	})
	require.NoError(t, err)
	return c
}

func mustSend(t *testing.T, st Store, chatID, authorID, content string, at time.Time) Message {
	t.Helper()
	m, err := st.AppendMessage(testCtx(t), AppendMessageInput{
		ChatID:   chatID,
		AuthorID: authorID,
		Content:  content,
		Now:      at,
	})
	require.NoError(t, err)
	return m
}

func allChats(t *testing.T, st Store, access Access, limit int) []Chat {
	t.Helper()

	var (
		out   []Chat
		after string
	)
	for i := 0; i < 1000; i++ {
		page, err := st.ListChats(testCtx(t), ChatQuery{Access: access, Limit: limit, After: after})
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Chats), limit)
		out = append(out, page.Chats...)
		if !page.HasNextPage {
			return out
		}
		require.NotEmpty(t, page.EndCursor)
		after = page.EndCursor
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func chatIDs(chats []Chat) []string {
	out := make([]string, 0, len(chats))
	for _, c := range chats {
		out = append(out, c.ID)
	}
	return out
}

func TestStore_EmptyChatSortsByCreationThenByLatestMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u1 := mustUser(t, st, "user-one")

		c1 := mustChat(t, st, u1.ID, true, t0)

		page, err := st.ListChats(testCtx(t), ChatQuery{Access: Access{UserID: u1.ID}, Limit: 10})
		req.NoError(err)
		req.Len(page.Chats, 1)
		req.False(page.HasNextPage)
		req.Equal(c1.ID, page.Chats[0].ID)
		req.Nil(page.Chats[0].LatestMessage)
		req.True(page.Chats[0].ActivityAt().Equal(c1.CreatedAt))

		t1 := t0.Add(time.Minute)
		mustSend(t, st, c1.ID, u1.ID, "hi", t1)

		page, err = st.ListChats(testCtx(t), ChatQuery{Access: Access{UserID: u1.ID}, Limit: 10})
		req.NoError(err)
		req.Len(page.Chats, 1)
		req.NotNil(page.Chats[0].LatestMessage)
		req.Equal("hi", page.Chats[0].LatestMessage.Content)
		req.True(page.Chats[0].ActivityAt().Equal(t1))
		req.NotNil(page.Chats[0].LatestMessage.Author)
		req.Equal(u1.ID, page.Chats[0].LatestMessage.Author.ID)

		msgs, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c1.ID, Limit: 10})
		req.NoError(err)
		req.Equal([]string{"hi"}, contents(msgs.Messages))
		req.False(msgs.HasPreviousPage)
		req.False(msgs.HasNextPage)
	})
}

func TestStore_MessagesPageBackwards(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "pager")
		c := mustChat(t, st, u.ID, false, t0)

		for i := 1; i <= 5; i++ {
			mustSend(t, st, c.ID, u.ID, fmt.Sprintf("m%d", i), t0.Add(time.Duration(i)*time.Second))
		}

		p1, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 2})
		req.NoError(err)
		req.Equal([]string{"m4", "m5"}, contents(p1.Messages))
		req.True(p1.HasPreviousPage)
		req.False(p1.HasNextPage)
		req.Equal(cursor.Encode(p1.Messages[0].CreatedAt, p1.Messages[0].ID), p1.StartCursor)
		req.Equal(cursor.Encode(p1.Messages[1].CreatedAt, p1.Messages[1].ID), p1.EndCursor)

		p2, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 2, Before: p1.StartCursor})
		req.NoError(err)
		req.Equal([]string{"m2", "m3"}, contents(p2.Messages))
		req.True(p2.HasPreviousPage)

		p3, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 2, Before: p2.StartCursor})
		req.NoError(err)
		req.Equal([]string{"m1"}, contents(p3.Messages))
		req.False(p3.HasPreviousPage)

		p4, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 2, Before: p3.StartCursor})
		req.NoError(err)
		req.Empty(p4.Messages)
		req.False(p4.HasPreviousPage)
		req.Empty(p4.StartCursor)
	})
}

func TestStore_MessagesTieBreakOnID(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "ties")
		c := mustChat(t, st, u.ID, false, t0)

		same := t0.Add(time.Hour)
		var sent []Message
		for i := 0; i < 7; i++ {
			sent = append(sent, mustSend(t, st, c.ID, u.ID, fmt.Sprintf("t%d", i), same))
		}

		var (
			got    []string
			before string
		)
		for {
			p, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 3, Before: before})
			req.NoError(err)
			got = append(contents(p.Messages), got...)
			if !p.HasPreviousPage {
				break
			}
			before = p.StartCursor
		}

		// Same-timestamp messages from one process keep insertion order.
		req.Equal(contents(sent), got)
	})
}

func TestStore_ChatPaginationCompleteAndOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		owner := mustUser(t, st, "owner")
		viewer := mustUser(t, st, "viewer")
		other := mustUser(t, st, "other")

		visible := map[string]bool{}
		for i := 0; i < 23; i++ {
			// Groups of three share a creation instant to exercise the id tiebreak.
			at := t0.Add(time.Duration(i/3) * time.Minute)
			var c Chat
			switch i % 4 {
			case 0:
				c = mustChat(t, st, owner.ID, true, at, viewer.ID)
				visible[c.ID] = true
			case 1:
				c = mustChat(t, st, other.ID, true, at)
			case 2:
				c = mustChat(t, st, owner.ID, false, at)
				visible[c.ID] = true
			default:
				c = mustChat(t, st, viewer.ID, true, at)
				visible[c.ID] = true
			}
			if i%5 == 0 {
				mustSend(t, st, c.ID, owner.ID, "bump", t0.Add(time.Hour+time.Duration(i%2)*time.Second))
			}
		}

		got := allChats(t, st, Access{UserID: viewer.ID}, 4)

		seen := map[string]bool{}
		for i, c := range got {
			req.True(visible[c.ID], "chat %s must not be visible", c.ID)
			req.False(seen[c.ID], "chat %s returned twice", c.ID)
			seen[c.ID] = true
			if i > 0 {
				prev := got[i-1]
				req.Equal(1, cursor.Compare(prev.ActivityAt(), prev.ID, c.ActivityAt(), c.ID),
					"order broken at %d", i)
			}
		}
		req.Len(seen, len(visible))
	})
}

func TestStore_ChatRequeryIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "again")
		for i := 0; i < 6; i++ {
			mustChat(t, st, u.ID, true, t0)
		}

		q := ChatQuery{Access: Access{UserID: u.ID}, Limit: 2}
		first, err := st.ListChats(testCtx(t), q)
		req.NoError(err)

		q.After = first.EndCursor
		a, err := st.ListChats(testCtx(t), q)
		req.NoError(err)
		b, err := st.ListChats(testCtx(t), q)
		req.NoError(err)

		req.Equal(chatIDs(a.Chats), chatIDs(b.Chats))
		req.Equal(a.EndCursor, b.EndCursor)
		req.Equal(a.HasNextPage, b.HasNextPage)
	})
}

func TestStore_ChatTieBreakDescendingID(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "tiebreak")

		var created []string
		for i := 0; i < 5; i++ {
			created = append(created, mustChat(t, st, u.ID, true, t0).ID)
		}

		for round := 0; round < 3; round++ {
			got := chatIDs(allChats(t, st, Access{UserID: u.ID}, 2))
			req.Len(got, 5)
			for i := 1; i < len(got); i++ {
				req.Greater(got[i-1], got[i])
			}
			// Generated in sequence, so descending id is reverse creation order.
			req.Equal(created[4], got[0])
			req.Equal(created[0], got[4])
		}
	})
}

func TestStore_AccessIsolation(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		alice := mustUser(t, st, "alice")
		bob := mustUser(t, st, "bob")

		secret := mustChat(t, st, bob.ID, true, t0)
		shared := mustChat(t, st, bob.ID, true, t0.Add(time.Second), alice.ID)
		public := mustChat(t, st, bob.ID, false, t0.Add(2*time.Second))

		got := chatIDs(allChats(t, st, Access{UserID: alice.ID}, 10))
		req.ElementsMatch([]string{shared.ID, public.ID}, got)

		_, err := st.FindChat(testCtx(t), Access{UserID: alice.ID}, secret.ID)
		req.ErrorIs(err, ErrNotFound)

		_, missingErr := st.FindChat(testCtx(t), Access{UserID: alice.ID}, "01JZZZZZZZZZZZZZZZZZZZZZZZ")
		req.ErrorIs(missingErr, ErrNotFound)
		// Hidden and absent are indistinguishable.
		req.Equal(err.Error(), missingErr.Error())

		c, err := st.FindChat(testCtx(t), Access{UserID: bob.ID}, secret.ID)
		req.NoError(err)
		req.Equal(secret.ID, c.ID)

		c, err = st.FindChat(testCtx(t), Access{UserID: alice.ID}, public.ID)
		req.NoError(err)
		req.Equal(public.ID, c.ID)
	})
}

func TestStore_MissingAuthorIsFailSoft(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "keeper")
		c := mustChat(t, st, u.ID, false, t0)

		mustSend(t, st, c.ID, "01JGHOSTGHOSTGHOSTGHOSTGHO", "boo", t0.Add(time.Second))

		page, err := st.ListChats(testCtx(t), ChatQuery{Access: Access{UserID: u.ID}, Limit: 5})
		req.NoError(err)
		req.Len(page.Chats, 1)
		req.NotNil(page.Chats[0].LatestMessage)
		req.Nil(page.Chats[0].LatestMessage.Author)

		msgs, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 5})
		req.NoError(err)
		req.Len(msgs.Messages, 1)
		req.Nil(msgs.Messages[0].Author)
	})
}

func TestStore_MalformedCursorRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "badcursor")
		c := mustChat(t, st, u.ID, false, t0)

		_, err := st.ListChats(testCtx(t), ChatQuery{Access: Access{UserID: u.ID}, After: "not-a-cursor!"})
		req.ErrorIs(err, ErrMalformedCursor)

		_, err = st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Before: "eyJ4IjoxfQ"})
		req.ErrorIs(err, ErrMalformedCursor)
	})
}

func TestStore_AppendToMissingChat(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		u := mustUser(t, st, "nowhere")
		_, err := st.AppendMessage(testCtx(t), AppendMessageInput{
			ChatID:   "01JNOPENOPENOPENOPENOPENOP",
			AuthorID: u.ID,
			Content:  "hello?",
			Now:      t0,
		})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UserUniqueness(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "Navid")

		got, err := st.GetUser(testCtx(t), u.ID)
		req.NoError(err)
		req.Equal(u.Username, got.Username)
		req.Equal("navid@example.com", got.Email)

		_, err = st.CreateUser(testCtx(t), CreateUserInput{Username: "nAvId", Email: "x@example.com"})
		req.True(IsConflict(err), "got %v", err)

		_, err = st.CreateUser(testCtx(t), CreateUserInput{Username: "someone", Email: "NAVID@example.com"})
		req.True(IsConflict(err), "got %v", err)

		_, err = st.GetUser(testCtx(t), "01JNOBODYNOBODYNOBODYNOBOD")
		req.ErrorIs(err, ErrNotFound)
	})
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "strict")

		_, err := st.CreateChat(testCtx(t), CreateChatInput{Name: "ok name", CreatorID: u.ID, MemberIDs: []string{"someone-else"}})
		req.ErrorIs(err, ErrInvalidInput)

		_, err = st.CreateChat(testCtx(t), CreateChatInput{Name: "x", CreatorID: u.ID, MemberIDs: []string{u.ID}})
		req.ErrorIs(err, ErrInvalidInput)

		_, err = st.CreateUser(testCtx(t), CreateUserInput{Username: "bad name!", Email: "a@b.c"})
		req.ErrorIs(err, ErrInvalidInput)

		c := mustChat(t, st, u.ID, false, t0)
		_, err = st.AppendMessage(testCtx(t), AppendMessageInput{ChatID: c.ID, AuthorID: u.ID, Content: "   "})
		req.ErrorIs(err, ErrInvalidInput)
	})
}

func TestStore_CursorPastStoredRangeReturnsNewest(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		req := require.New(t)
		u := mustUser(t, st, "future")
		c := mustChat(t, st, u.ID, false, t0)
		mustSend(t, st, c.ID, u.ID, "a", t0.Add(time.Second))
		mustSend(t, st, c.ID, u.ID, "b", t0.Add(2*time.Second))

		far := cursor.Encode(time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), "ZZZZZZZZZZZZZZZZZZZZZZZZZZ")
		p, err := st.ListMessages(testCtx(t), MessageQuery{ChatID: c.ID, Limit: 10, Before: far})
		req.NoError(err)
		req.Equal([]string{"a", "b"}, contents(p.Messages))
		req.False(p.HasPreviousPage)
	})
}
