package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sessiongate/internal/state"
	"github.com/2389/sessiongate/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*store.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *store.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func setupLog(t *testing.T, opts ...Option) (*Log, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	_, err := s.CreateSession(context.Background(), &store.Session{
		AgentID: "agent-1", UserID: "alice", ID: "s1", CreatedAt: time.Now(),
	}, nil)
	require.NoError(t, err)
	return New(s, opts...), s
}

func say(author store.Author, text string) AppendRequest {
	return AppendRequest{
		Author:       author,
		InvocationID: "inv",
		Content:      store.Content{Role: string(author), Text: text},
	}
}

func TestAppend_PublishesCommittedEvents(t *testing.T) {
	pub := &recordingPublisher{}
	log, _ := setupLog(t, WithPublisher(pub))

	evt, sess, err := log.Append(context.Background(), "agent-1", "s1", AppendRequest{
		Author:     store.AuthorSystem,
		Content:    store.Content{Role: "system", Text: "set"},
		StateDelta: state.State{"k": state.String("v")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), evt.ID)
	assert.Equal(t, state.State{"k": state.String("v")}, sess.State)

	require.Len(t, pub.events, 1)
	assert.Equal(t, evt.ID, pub.events[0].ID)
}

func TestAppend_RejectsInvalidRequests(t *testing.T) {
	pub := &recordingPublisher{}
	log, s := setupLog(t, WithPublisher(pub))
	ctx := context.Background()

	_, _, err := log.Append(ctx, "agent-1", "s1", AppendRequest{Author: "robot"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, _, err = log.Append(ctx, "agent-1", "s1", AppendRequest{
		Author:     store.AuthorSystem,
		StateDelta: state.State{"": state.Int(1)},
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, err, state.ErrInvalidDelta)

	// nothing was written
	sess, err := s.GetSession(ctx, "agent-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.LastEventID)
	assert.Empty(t, pub.events)
}

func TestAppend_MissingSession(t *testing.T) {
	log, _ := setupLog(t)
	_, _, err := log.Append(context.Background(), "agent-1", "nope", say(store.AuthorUser, "hi"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppend_UsesClock(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	log, _ := setupLog(t, WithClock(func() time.Time { return fixed }))

	evt, _, err := log.Append(context.Background(), "agent-1", "s1", say(store.AuthorUser, "hi"))
	require.NoError(t, err)
	assert.True(t, evt.Timestamp.Equal(fixed))
}

func TestAppend_ConcurrentWritersLoseNothing(t *testing.T) {
	log, s := setupLog(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _, err := log.Append(ctx, "agent-1", "s1", AppendRequest{
					Author:     store.AuthorSystem,
					StateDelta: state.State{fmt.Sprintf("w%d-%d", w, i): state.Int(int64(i))},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	sess, err := s.GetSession(ctx, "agent-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), sess.LastEventID)
	assert.Len(t, sess.State, writers*perWriter)

	var ids []int64
	cursor := ""
	for {
		page, err := log.List(ctx, ListRequest{AgentID: "agent-1", SessionID: "s1", PageToken: cursor})
		require.NoError(t, err)
		for _, e := range page.Events {
			ids = append(ids, e.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, ids, writers*perWriter)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}

	assert.Equal(t, 0, log.locks.size(), "lock entries are released")
}

func TestList_Validation(t *testing.T) {
	log, _ := setupLog(t)
	_, err := log.List(context.Background(), ListRequest{AgentID: "agent-1", SessionID: "s1", Author: "robot"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = log.List(context.Background(), ListRequest{AgentID: "agent-1", SessionID: "s1", PageSize: 500})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestSessionLocks_SerializeSameSession(t *testing.T) {
	locks := newSessionLocks()

	release := locks.lock("a", "s1")
	acquired := make(chan struct{})
	go func() {
		r := locks.lock("a", "s1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the first held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	// another session is independent
	other := locks.lock("a", "s2")
	other()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
