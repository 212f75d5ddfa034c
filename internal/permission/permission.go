// Package permission resolves a user's privilege tier within a platform.
//
// This is the single authorization rule for the whole service; every
// operation that gates on membership or moderation goes through Resolve.
package permission

import (
	"github.com/sporadic-app/sporadic/internal/domain"
)

// Tier is a resolved privilege level. Values are ordered: a higher value
// means more privilege.
type Tier int

const (
	TierGloballyBanned Tier = iota
	TierBanned
	TierUser
	TierSubscriber
	TierModerator
	TierOwner
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierGloballyBanned:
		return "globally_banned"
	case TierBanned:
		return "banned"
	case TierUser:
		return "user"
	case TierSubscriber:
		return "subscriber"
	case TierModerator:
		return "moderator"
	case TierOwner:
		return "owner"
	case TierAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AtLeast reports whether t carries at least the privilege of min.
func (t Tier) AtLeast(min Tier) bool { return t >= min }

// Resolve maps (user, platform) to a tier. The rules are evaluated in
// order and the first match wins; in particular a global ban overrides
// global admin, and a platform ban overrides everything but those two.
func Resolve(user domain.User, p domain.Platform) Tier {
	switch {
	case user.IsGloballyBanned:
		return TierGloballyBanned
	case user.IsGlobalAdmin:
		return TierAdmin
	}

	if _, ok := p.BannedUsers[user.Username]; ok {
		return TierBanned
	}
	if user.Username == p.Owner {
		return TierOwner
	}
	if _, ok := p.Moderators[user.Username]; ok {
		return TierModerator
	}
	if _, ok := p.Subscribers[user.Username]; ok {
		return TierSubscriber
	}

	return TierUser
}
