// Package userstore persists user profiles and friendships and serves the
// profile lookups the lobby member lists resolve against. Lookups are cached
// and de-duplicated; the rest of the system treats this as the user-lookup
// collaborator boundary.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	PfpURL   string `json:"pfp"`
}

type Friendship struct {
	UserID   string `gorm:"primaryKey"`
	FriendID string `gorm:"primaryKey"`
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]User
}

// Open connects to postgres and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Friendship{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, cache: make(map[string]User)}
}

// CreateUser registers a profile under a fresh uuid.
func (s *Store) CreateUser(ctx context.Context, username, email string) (User, error) {
	u := User{ID: uuid.NewString(), Username: username, Email: email}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Lookup resolves a profile by id. Cache hit is the common path; misses are
// collapsed through singleflight so a membership broadcast for a big lobby
// costs one query per distinct id.
func (s *Store) Lookup(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	u, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return u, nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		var u User
		err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrUserNotFound
		}
		if err != nil {
			return User{}, fmt.Errorf("lookup user %s: %w", id, err)
		}
		s.mu.Lock()
		s.cache[id] = u
		s.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return User{}, err
	}
	return v.(User), nil
}

// Invalidate drops a cached profile, e.g. after an avatar change.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func (s *Store) AddFriend(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return errors.New("cannot befriend yourself")
	}
	f := Friendship{UserID: userID, FriendID: friendID}
	if err := s.db.WithContext(ctx).FirstOrCreate(&f).Error; err != nil {
		return fmt.Errorf("add friend: %w", err)
	}
	return nil
}

func (s *Store) RemoveFriend(ctx context.Context, userID, friendID string) error {
	err := s.db.WithContext(ctx).
		Delete(&Friendship{}, "user_id = ? AND friend_id = ?", userID, friendID).Error
	if err != nil {
		return fmt.Errorf("remove friend: %w", err)
	}
	return nil
}

// Friends lists the ids userID has added.
func (s *Store) Friends(ctx context.Context, userID string) ([]string, error) {
	var rows []Friendship
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.FriendID)
	}
	return ids, nil
}
