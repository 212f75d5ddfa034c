package permission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/permission"
)

func TestResolve(t *testing.T) {
	platform := domain.Platform{
		Title: "p1",
		Owner: "owner",
		Subscribers: map[string]struct{}{
			"owner": {}, "mod": {}, "sub": {},
		},
		Moderators: map[string]struct{}{
			"mod": {},
		},
		BannedUsers: map[string]struct{}{
			"banned": {},
		},
	}

	tests := map[string]struct {
		user domain.User
		want permission.Tier
	}{
		"global ban overrides global admin": {
			user: domain.User{Username: "x", IsGloballyBanned: true, IsGlobalAdmin: true},
			want: permission.TierGloballyBanned,
		},
		"global admin outranks owner": {
			user: domain.User{Username: "owner", IsGlobalAdmin: true},
			want: permission.TierAdmin,
		},
		"platform ban beats subscription": {
			user: domain.User{Username: "banned"},
			want: permission.TierBanned,
		},
		"owner": {
			user: domain.User{Username: "owner"},
			want: permission.TierOwner,
		},
		"moderator": {
			user: domain.User{Username: "mod"},
			want: permission.TierModerator,
		},
		"subscriber": {
			user: domain.User{Username: "sub"},
			want: permission.TierSubscriber,
		},
		"stranger resolves to plain user": {
			user: domain.User{Username: "nobody"},
			want: permission.TierUser,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, permission.Resolve(tt.user, platform))
		})
	}
}

func TestTier_AtLeast(t *testing.T) {
	assert.True(t, permission.TierAdmin.AtLeast(permission.TierModerator))
	assert.True(t, permission.TierOwner.AtLeast(permission.TierModerator))
	assert.True(t, permission.TierModerator.AtLeast(permission.TierModerator))
	assert.False(t, permission.TierSubscriber.AtLeast(permission.TierModerator))

	// Both ban tiers sit below plain users; "at least user" is the
	// read-access check.
	assert.False(t, permission.TierBanned.AtLeast(permission.TierUser))
	assert.False(t, permission.TierGloballyBanned.AtLeast(permission.TierUser))
	assert.True(t, permission.TierUser.AtLeast(permission.TierUser))
}
