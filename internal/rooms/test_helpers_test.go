package rooms

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomchat/internal/presence"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testPresenceTimeout = 2 * time.Minute

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000600, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

type storeFixture struct {
	store *Store
	db    *gorm.DB
	clock *manualClock
}

func newStoreFixture(t *testing.T) storeFixture {
	t.Helper()

	databasePath := filepath.Join(t.TempDir(), "rooms.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Room{}, &Member{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	policy, err := presence.NewPolicy(testPresenceTimeout)
	if err != nil {
		t.Fatalf("failed to build presence policy: %v", err)
	}
	clock := newManualClock()
	store, err := NewStore(StoreConfig{
		Database:   db,
		Policy:     policy,
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return storeFixture{store: store, db: db, clock: clock}
}

func mustTopicID(t *testing.T, value string) TopicID {
	t.Helper()
	id, err := NewTopicID(value)
	if err != nil {
		t.Fatalf("unexpected topic id error: %v", err)
	}
	return id
}

func mustMemberID(t *testing.T, value string) MemberID {
	t.Helper()
	id, err := NewMemberID(value)
	if err != nil {
		t.Fatalf("unexpected member id error: %v", err)
	}
	return id
}

func mustRoom(t *testing.T, store *Store, topic string, capacity int) Room {
	t.Helper()
	room, err := store.CreateRoomIfAbsent(context.Background(), mustTopicID(t, topic), capacity)
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return room
}

func mustJoin(t *testing.T, store *Store, topic, device string) JoinResult {
	t.Helper()
	result, err := store.JoinRoom(context.Background(), JoinParams{
		TopicID:    mustTopicID(t, topic),
		DeviceHash: device,
		Nickname:   "nick-" + device,
		SessionID:  "session-" + device,
	})
	if err != nil {
		t.Fatalf("join for %s failed: %v", device, err)
	}
	return result
}
