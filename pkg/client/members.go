package client

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Profile is the resolved identity of a lobby member.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	PfpURL   string `json:"pfp"`
}

// ProfileLookup is the user-lookup collaborator. Implementations are
// expected to be slow (network, database), so the cache resolves through it
// asynchronously.
type ProfileLookup interface {
	Lookup(ctx context.Context, id string) (Profile, error)
}

// MemberCache mirrors the lobby membership and lazily resolves profiles.
// Resolutions complete out of order relative to frame processing, so every
// completion is epoch-guarded: a fetch started in a session the user has
// since left, or for a member who has since gone, is discarded instead of
// re-adding stale state. Within an epoch, last write wins.
type MemberCache struct {
	lookup ProfileLookup
	log    *zap.Logger

	mu      sync.Mutex
	epoch   uint64
	members map[string]Profile
}

func NewMemberCache(lookup ProfileLookup, log *zap.Logger) *MemberCache {
	return &MemberCache{lookup: lookup, log: log, members: make(map[string]Profile)}
}

// SetMembers reconciles the cache against an authoritative id list: departed
// members are pruned, new ones get a placeholder and an async resolution.
func (c *MemberCache) SetMembers(ctx context.Context, ids []string) {
	c.mu.Lock()
	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		current[id] = true
	}
	for id := range c.members {
		if !current[id] {
			delete(c.members, id)
		}
	}

	var unresolved []string
	for _, id := range ids {
		if _, ok := c.members[id]; !ok {
			c.members[id] = Profile{ID: id}
			unresolved = append(unresolved, id)
		}
	}
	epoch := c.epoch
	c.mu.Unlock()

	for _, id := range unresolved {
		go c.resolve(ctx, id, epoch)
	}
}

func (c *MemberCache) resolve(ctx context.Context, id string, epoch uint64) {
	p, err := c.lookup.Lookup(ctx, id)
	if err != nil {
		c.log.Warn("profile lookup failed", zap.String("user_id", id), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return // session ended while the fetch was in flight
	}
	if _, ok := c.members[id]; !ok {
		return // member left while the fetch was in flight
	}
	c.members[id] = p
}

// Members returns the cached membership sorted by id.
func (c *MemberCache) Members() []Profile {
	c.mu.Lock()
	out := make([]Profile, 0, len(c.members))
	for _, p := range c.members {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset clears the cache and invalidates all in-flight resolutions.
func (c *MemberCache) Reset() {
	c.mu.Lock()
	c.epoch++
	c.members = make(map[string]Profile)
	c.mu.Unlock()
}
