package board

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisPresenceStore(t *testing.T) *RedisPresenceStore {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
	})
	return NewRedisPresenceStoreWithDefaults(client)
}

type snapshotRecorder struct {
	lock      sync.Mutex
	snapshots [][]*PresenceEntry
}

func (self *snapshotRecorder) snapshot(entries []*PresenceEntry) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.snapshots = append(self.snapshots, entries)
}

func (self *snapshotRecorder) latest() []*PresenceEntry {
	self.lock.Lock()
	defer self.lock.Unlock()
	if len(self.snapshots) == 0 {
		return nil
	}
	return self.snapshots[len(self.snapshots)-1]
}

func (self *snapshotRecorder) latestUids() []string {
	uids := []string{}
	for _, entry := range self.latest() {
		uids = append(uids, entry.Uid)
	}
	return uids
}

func TestRedisPresenceStorePutSubscribeRemove(t *testing.T) {
	ctx := context.Background()
	store := testRedisPresenceStore(t)

	now := time.Now()
	err := store.Put(ctx, "b1", CollectionPresence, &PresenceEntry{
		Uid:         "u1",
		DisplayName: "Alice",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)

	recorder := &snapshotRecorder{}
	unsubscribe, err := store.Subscribe(ctx, "b1", CollectionPresence, recorder.snapshot)
	assert.Equal(t, err, nil)
	defer unsubscribe()

	// the initial snapshot carries the pre-existing document
	waitFor(t, 2*time.Second, func() bool {
		entries := recorder.latest()
		return len(entries) == 1 && entries[0].Uid == "u1"
	})
	assert.Equal(t, recorder.latest()[0].DisplayName, "Alice")

	// every write republishes the full set
	err = store.Put(ctx, "b1", CollectionPresence, &PresenceEntry{
		Uid:         "u2",
		DisplayName: "Bob",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)
	waitFor(t, 2*time.Second, func() bool {
		return len(recorder.latest()) == 2
	})

	err = store.Remove(ctx, "b1", CollectionPresence, "u1")
	assert.Equal(t, err, nil)
	waitFor(t, 2*time.Second, func() bool {
		entries := recorder.latest()
		return len(entries) == 1 && entries[0].Uid == "u2"
	})
}

func TestRedisPresenceStoreBoardIsolation(t *testing.T) {
	ctx := context.Background()
	store := testRedisPresenceStore(t)

	now := time.Now()
	err := store.Put(ctx, "b2", CollectionPresence, &PresenceEntry{
		Uid:         "u9",
		DisplayName: "Other",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)

	recorder := &snapshotRecorder{}
	unsubscribe, err := store.Subscribe(ctx, "b1", CollectionPresence, recorder.snapshot)
	assert.Equal(t, err, nil)
	defer unsubscribe()

	err = store.Put(ctx, "b1", CollectionPresence, &PresenceEntry{
		Uid:         "u1",
		DisplayName: "Alice",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)

	waitFor(t, 2*time.Second, func() bool {
		return len(recorder.latest()) == 1
	})
	assert.Equal(t, recorder.latestUids(), []string{"u1"})
}

func TestRedisPresenceStoreStaleHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := testRedisPresenceStore(t)

	now := time.Now()
	// a writer that died without cleanup
	err := store.Put(ctx, "b1", CollectionPresence, &PresenceEntry{
		Uid:         "u1",
		DisplayName: "Ghost",
		JoinedAt:    now.Add(-10 * time.Minute),
		HeartbeatAt: now.Add(-10 * time.Minute),
	})
	assert.Equal(t, err, nil)
	err = store.Put(ctx, "b1", CollectionPresence, &PresenceEntry{
		Uid:         "u2",
		DisplayName: "Alice",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)

	recorder := &snapshotRecorder{}
	unsubscribe, err := store.Subscribe(ctx, "b1", CollectionPresence, recorder.snapshot)
	assert.Equal(t, err, nil)
	defer unsubscribe()

	waitFor(t, 2*time.Second, func() bool {
		return recorder.latest() != nil
	})
	assert.Equal(t, recorder.latestUids(), []string{"u2"})
}

func TestBoardClientTypingFromStore(t *testing.T) {
	ctx := context.Background()
	store := testRedisPresenceStore(t)

	token, err := MintToken(
		&Participant{
			Uid:         "u1",
			DisplayName: "Alice",
		},
		[]byte("test-key"),
		1*time.Hour,
	)
	assert.Equal(t, err, nil)

	settings := DefaultBoardClientSettings()
	// no relay in this test; keep the transport from spinning
	settings.SessionSettings.TransportSettings.ReconnectTimeout = 10 * time.Second

	client, err := NewBoardClient(
		ctx,
		"http://127.0.0.1:1",
		"ws://127.0.0.1:1/ws",
		"b1",
		NewStaticTokenSource(token),
		store,
		settings,
	)
	assert.Equal(t, err, nil)
	defer client.Close()

	client.Start()

	// another participant's typing document reaches the aggregator
	now := time.Now()
	err = store.Put(ctx, "b1", CollectionTyping, &PresenceEntry{
		Uid:         "u2",
		DisplayName: "Bob",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		typingNames := client.TypingNames()
		return len(typingNames) == 1 && typingNames[0] == "Bob"
	})

	// own documents and quiet ones never list
	err = store.Put(ctx, "b1", CollectionTyping, &PresenceEntry{
		Uid:         "u1",
		DisplayName: "Alice",
		JoinedAt:    now,
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)
	err = store.Put(ctx, "b1", CollectionTyping, &PresenceEntry{
		Uid:         "u3",
		DisplayName: "Carol",
		JoinedAt:    now,
		HeartbeatAt: now.Add(-1 * time.Minute),
	})
	assert.Equal(t, err, nil)

	// let the change notifications land
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, client.TypingNames(), []string{"Bob"})
}

func TestPresenceTracker(t *testing.T) {
	ctx := context.Background()
	store := testRedisPresenceStore(t)

	// another participant is already on the board
	now := time.Now()
	err := store.Put(ctx, "b1", CollectionPresence, &PresenceEntry{
		Uid:         "u1",
		DisplayName: "Alice",
		JoinedAt:    now.Add(-1 * time.Minute),
		HeartbeatAt: now,
	})
	assert.Equal(t, err, nil)

	tracker := NewPresenceTrackerWithDefaults(
		ctx,
		store,
		"b1",
		Participant{
			Uid:         "u2",
			DisplayName: "Bob",
		},
	)

	err = tracker.Join(ctx)
	assert.Equal(t, err, nil)
	// re-join overwrites, never duplicates
	err = tracker.Join(ctx)
	assert.Equal(t, err, nil)

	waitFor(t, 2*time.Second, func() bool {
		return len(tracker.OnlineUsers()) == 2
	})

	// snapshots are ordered by join time
	online := tracker.OnlineUsers()
	assert.Equal(t, online[0].Uid, "u1")
	assert.Equal(t, online[1].Uid, "u2")

	tracker.Close()

	// the tracker's own document is gone after leave
	recorder := &snapshotRecorder{}
	unsubscribe, err := store.Subscribe(ctx, "b1", CollectionPresence, recorder.snapshot)
	assert.Equal(t, err, nil)
	defer unsubscribe()
	waitFor(t, 2*time.Second, func() bool {
		return recorder.latest() != nil
	})
	assert.Equal(t, recorder.latestUids(), []string{"u1"})
}
