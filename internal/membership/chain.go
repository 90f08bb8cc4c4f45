// Package membership makes group capability transitively available to
// members. A group's own key never exists at rest outside per-member
// wrapped copies.
package membership

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// ErrMembershipKeyUnavailable is returned when a user has no active
// membership in the group, or the wrapped group key cannot be opened with
// the user's current key.
var ErrMembershipKeyUnavailable = errors.New("membership key unavailable")

// Chain manages the group key-distribution chain.
type Chain struct {
	store storage.Backend
	locks [64]sync.Mutex // striped per-group serialization for joins
}

// NewChain creates a Chain backed by the given storage.
func NewChain(store storage.Backend) *Chain {
	return &Chain{store: store}
}

func (c *Chain) lockFor(groupID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(groupID))
	return &c.locks[h.Sum32()%uint32(len(c.locks))]
}

// Join wraps the group's identity for the user and persists the membership.
// The group key material is caller-supplied (the admin performing the join
// must themselves hold it) and is not retained.
func (c *Chain) Join(ctx context.Context, userID, groupID, groupIdentity, userRecipient string) (*models.Membership, error) {
	user, err := c.store.GetPrincipal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	group, err := c.store.GetPrincipal(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("resolving group: %w", err)
	}
	if user.Kind != models.KindUser || group.Kind != models.KindGroup {
		return nil, fmt.Errorf("membership links a user to a group, got %s -> %s", user.Kind, group.Kind)
	}

	wrapped, err := crypto.Encrypt([]byte(groupIdentity), userRecipient)
	if err != nil {
		return nil, fmt.Errorf("wrapping group key: %w", err)
	}

	m := &models.Membership{
		ID:              uuid.NewString(),
		UserID:          userID,
		GroupID:         groupID,
		WrappedGroupKey: wrapped,
		Status:          models.MembershipActive,
		CreatedAt:       time.Now().UTC(),
	}

	mu := c.lockFor(groupID)
	mu.Lock()
	defer mu.Unlock()
	if err := c.store.CreateMembership(ctx, m); err != nil {
		return nil, fmt.Errorf("persisting membership: %w", err)
	}
	return m, nil
}

// Leave removes the membership. All group-inherited capability for the user
// disappears on the next capability resolution; no per-grant revocation is
// needed.
func (c *Chain) Leave(ctx context.Context, userID, groupID string) error {
	mu := c.lockFor(groupID)
	mu.Lock()
	defer mu.Unlock()
	return c.store.DeleteMembership(ctx, userID, groupID)
}

// ResolveGroupKey unwraps the group's identity with the user's unlocked key.
// The returned identity is caller-owned and must be dropped after use.
func (c *Chain) ResolveGroupKey(ctx context.Context, userKey *keystore.PrincipalKey, groupID string) (string, error) {
	m, err := c.store.GetMembership(ctx, userKey.PrincipalID, groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrMembershipKeyUnavailable
		}
		return "", err
	}
	if !m.GrantsAccess() {
		return "", ErrMembershipKeyUnavailable
	}
	identity, err := crypto.Decrypt(m.WrappedGroupKey, userKey.Identity())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMembershipKeyUnavailable, err)
	}
	return string(identity), nil
}

// ActiveGroups returns the IDs of groups whose membership can currently
// contribute the group's grants to the user. Pending rows and rows without
// a wrapped key are skipped even though they exist.
func (c *Chain) ActiveGroups(ctx context.Context, userID string) ([]string, error) {
	memberships, err := c.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var groups []string
	for _, m := range memberships {
		if !m.GrantsAccess() {
			continue
		}
		group, err := c.store.GetPrincipal(ctx, m.GroupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !group.IsActive() {
			continue
		}
		groups = append(groups, m.GroupID)
	}
	return groups, nil
}

// Members lists the memberships of a group.
func (c *Chain) Members(ctx context.Context, groupID string) ([]*models.Membership, error) {
	return c.store.ListMembersOfGroup(ctx, groupID)
}
