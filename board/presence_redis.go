package board

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

type RedisPresenceStoreSettings struct {
	// an entry whose heartbeat is older than this is dropped from snapshots
	EntryTtl time.Duration
	// snapshot refresh when no change notification arrives, a fallback for
	// missed publishes
	PollTimeout time.Duration
}

func DefaultRedisPresenceStoreSettings() *RedisPresenceStoreSettings {
	return &RedisPresenceStoreSettings{
		EntryTtl:    60 * time.Second,
		PollTimeout: 30 * time.Second,
	}
}

// RedisPresenceStore keeps one hash per board collection, field per
// participant uid, and publishes a change notification per write. A
// subscriber re-reads the entire hash on every notification, so consumers
// always see full snapshots.
type RedisPresenceStore struct {
	client   redis.UniversalClient
	settings *RedisPresenceStoreSettings
}

func NewRedisPresenceStoreWithDefaults(client redis.UniversalClient) *RedisPresenceStore {
	return NewRedisPresenceStore(client, DefaultRedisPresenceStoreSettings())
}

func NewRedisPresenceStore(client redis.UniversalClient, settings *RedisPresenceStoreSettings) *RedisPresenceStore {
	return &RedisPresenceStore{
		client:   client,
		settings: settings,
	}
}

func presenceKey(boardId string, collection PresenceCollection) string {
	return fmt.Sprintf("board:%s:%s", boardId, collection)
}

func presenceChannel(boardId string, collection PresenceCollection) string {
	return fmt.Sprintf("board:%s:%s:events", boardId, collection)
}

func (self *RedisPresenceStore) Put(
	ctx context.Context,
	boardId string,
	collection PresenceCollection,
	entry *PresenceEntry,
) error {
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := presenceKey(boardId, collection)
	if err := self.client.HSet(ctx, key, entry.Uid, string(entryBytes)).Err(); err != nil {
		return err
	}
	// the whole collection ages out when every writer is gone
	self.client.Expire(ctx, key, 2*self.settings.EntryTtl)
	return self.client.Publish(ctx, presenceChannel(boardId, collection), entry.Uid).Err()
}

func (self *RedisPresenceStore) Remove(
	ctx context.Context,
	boardId string,
	collection PresenceCollection,
	uid string,
) error {
	key := presenceKey(boardId, collection)
	if err := self.client.HDel(ctx, key, uid).Err(); err != nil {
		return err
	}
	return self.client.Publish(ctx, presenceChannel(boardId, collection), uid).Err()
}

func (self *RedisPresenceStore) Subscribe(
	ctx context.Context,
	boardId string,
	collection PresenceCollection,
	snapshot SnapshotFunction,
) (func(), error) {
	subCtx, subCancel := context.WithCancel(ctx)

	pubsub := self.client.Subscribe(subCtx, presenceChannel(boardId, collection))
	// force the subscription to be established before the initial snapshot,
	// so no change between snapshot and subscribe is missed
	if _, err := pubsub.Receive(subCtx); err != nil {
		subCancel()
		pubsub.Close()
		return nil, err
	}

	go func() {
		defer pubsub.Close()

		deliver := func() {
			entries, err := self.readAll(subCtx, boardId, collection)
			if err != nil {
				if subCtx.Err() == nil {
					glog.V(2).Infof("[p]%s snapshot error = %s\n", boardId, err)
				}
				return
			}
			snapshot(entries)
		}

		deliver()

		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				deliver()
			case <-time.After(self.settings.PollTimeout):
				deliver()
			}
		}
	}()

	return subCancel, nil
}

func (self *RedisPresenceStore) readAll(
	ctx context.Context,
	boardId string,
	collection PresenceCollection,
) ([]*PresenceEntry, error) {
	fields, err := self.client.HGetAll(ctx, presenceKey(boardId, collection)).Result()
	if err != nil {
		return nil, err
	}

	entries := []*PresenceEntry{}
	for uid, entryJson := range fields {
		entry := &PresenceEntry{}
		if err := json.Unmarshal([]byte(entryJson), entry); err != nil {
			glog.V(2).Infof("[p]%s bad document %s = %s\n", boardId, uid, err)
			continue
		}
		if self.settings.EntryTtl < time.Since(entry.HeartbeatAt) {
			// writer died without removing its document
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
