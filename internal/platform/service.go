package platform

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
	"github.com/sporadic-app/sporadic/internal/permission"
	"github.com/sporadic-app/sporadic/internal/user"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB    *pgxpool.Pool
	Users *user.Service
}

// Service manages platforms and their membership sets. Subscribers,
// moderators and banned users each live in their own table keyed by
// (platform, username), so membership checks and removals are single-row
// operations.
type Service struct {
	db    *pgxpool.Pool
	users *user.Service
}

func NewService(c Config) *Service {
	return &Service{
		db:    c.DB,
		users: c.Users,
	}
}

type CreateRequest struct {
	Title       string
	Description string
	Owner       string
}

// Create makes a new platform. The creator becomes its owner and its sole
// initial subscriber and moderator.
func (s *Service) Create(ctx context.Context, req CreateRequest) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insPlatformStmt   = `INSERT INTO platforms (title, owner, description, create_time) VALUES ($1, $2, $3, now());`
		insSubscriberStmt = `INSERT INTO platform_subscribers (platform_title, username) VALUES ($1, $2);`
		insModeratorStmt  = `INSERT INTO platform_moderators (platform_title, username) VALUES ($1, $2);`
	)

	_, err = tx.Exec(ctx, insPlatformStmt, req.Title, req.Owner, req.Description)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("platform %q already exists", req.Title),
			errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert platform: %w", err)
	}

	if _, err = tx.Exec(ctx, insSubscriberStmt, req.Title, req.Owner); err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	if _, err = tx.Exec(ctx, insModeratorStmt, req.Title, req.Owner); err != nil {
		return fmt.Errorf("insert moderator: %w", err)
	}

	return tx.Commit(ctx)
}

// Get loads the platform with its full membership sets.
func (s *Service) Get(ctx context.Context, title string) (*domain.Platform, error) {
	const stmt = `SELECT title, owner, description, create_time FROM platforms WHERE title = $1;`

	p := &domain.Platform{
		Subscribers: make(map[string]struct{}),
		Moderators:  make(map[string]struct{}),
		BannedUsers: make(map[string]struct{}),
	}
	err := s.db.QueryRow(ctx, stmt, title).Scan(&p.Title, &p.Owner, &p.Description, &p.CreateTime)
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("platform %q not found", title))
	}
	if err != nil {
		return nil, err
	}

	const memberStmt = `
SELECT username, 'subscriber' AS role FROM platform_subscribers WHERE platform_title = $1
UNION ALL
SELECT username, 'moderator' FROM platform_moderators WHERE platform_title = $1
UNION ALL
SELECT username, 'banned' FROM platform_banned_users WHERE platform_title = $1;`

	rows, err := s.db.Query(ctx, memberStmt, title)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var username, role string
		if err := rows.Scan(&username, &role); err != nil {
			return nil, err
		}
		switch role {
		case "subscriber":
			p.Subscribers[username] = struct{}{}
		case "moderator":
			p.Moderators[username] = struct{}{}
		case "banned":
			p.BannedUsers[username] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return p, nil
}

// ResolveTier loads the caller and the platform and resolves the caller's
// permission tier. Other services use it as their single gating call.
func (s *Service) ResolveTier(ctx context.Context, username, platformTitle string) (permission.Tier, *domain.Platform, error) {
	u, err := s.users.Get(ctx, username)
	if err != nil {
		return 0, nil, err
	}

	p, err := s.Get(ctx, platformTitle)
	if err != nil {
		return 0, nil, err
	}

	return permission.Resolve(*u, *p), p, nil
}

type SubscribeRequest struct {
	Platform string
	Username string
}

// Subscribe adds the user to the platform's subscriber set. Banned users
// cannot subscribe.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) error {
	tier, _, err := s.ResolveTier(ctx, req.Username, req.Platform)
	if err != nil {
		return err
	}
	if !tier.AtLeast(permission.TierUser) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is banned from %q", req.Username, req.Platform))
	}

	const stmt = `INSERT INTO platform_subscribers (platform_title, username) VALUES ($1, $2) ON CONFLICT DO NOTHING;`

	tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("%q is already subscribed to %q", req.Username, req.Platform))
	}

	return nil
}

// Unsubscribe removes the user from the platform's subscriber set.
func (s *Service) Unsubscribe(ctx context.Context, req SubscribeRequest) error {
	if _, err := s.Get(ctx, req.Platform); err != nil {
		return err
	}

	const stmt = `DELETE FROM platform_subscribers WHERE platform_title = $1 AND username = $2;`

	tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("%q is not subscribed to %q", req.Username, req.Platform))
	}

	return nil
}

type UpdateModeratorsRequest struct {
	Platform string
	Caller   string
	Target   string
	Action   domain.UpdateAction
}

// UpdateModerators adds or removes a moderator. Requires at least
// moderator privileges on the platform.
func (s *Service) UpdateModerators(ctx context.Context, req UpdateModeratorsRequest) error {
	if _, err := s.users.Get(ctx, req.Target); err != nil {
		return err
	}

	tier, _, err := s.ResolveTier(ctx, req.Caller, req.Platform)
	if err != nil {
		return err
	}
	if !tier.AtLeast(permission.TierModerator) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is not an owner or moderator of %q", req.Caller, req.Platform))
	}

	switch req.Action {
	case domain.ActionAdd:
		const stmt = `INSERT INTO platform_moderators (platform_title, username) VALUES ($1, $2) ON CONFLICT DO NOTHING;`
		tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Target)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("%q is already a moderator", req.Target))
		}
	case domain.ActionRemove:
		const stmt = `DELETE FROM platform_moderators WHERE platform_title = $1 AND username = $2;`
		tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Target)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("%q is not a moderator", req.Target))
		}
	default:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown action %q", req.Action))
	}

	return nil
}

type UpdateBannedUsersRequest struct {
	Platform string
	Caller   string
	Target   string
	Action   domain.UpdateAction
}

// UpdateBannedUsers bans or unbans a user on the platform. Banning also
// drops the target's subscription, in the same transaction.
func (s *Service) UpdateBannedUsers(ctx context.Context, req UpdateBannedUsersRequest) (err error) {
	if _, err := s.users.Get(ctx, req.Target); err != nil {
		return err
	}

	tier, p, err := s.ResolveTier(ctx, req.Caller, req.Platform)
	if err != nil {
		return err
	}
	if !tier.AtLeast(permission.TierModerator) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is not an owner or moderator of %q", req.Caller, req.Platform))
	}
	if req.Action == domain.ActionAdd && req.Target == p.Owner {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("the owner of %q cannot be banned", req.Platform))
	}

	switch req.Action {
	case domain.ActionAdd:
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			if err != nil {
				err = stderrors.Join(err, tx.Rollback(ctx))
			}
		}()

		const (
			banStmt   = `INSERT INTO platform_banned_users (platform_title, username) VALUES ($1, $2) ON CONFLICT DO NOTHING;`
			unsubStmt = `DELETE FROM platform_subscribers WHERE platform_title = $1 AND username = $2;`
		)

		tag, err := tx.Exec(ctx, banStmt, req.Platform, req.Target)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("%q is already banned", req.Target))
		}
		if _, err = tx.Exec(ctx, unsubStmt, req.Platform, req.Target); err != nil {
			return err
		}

		return tx.Commit(ctx)
	case domain.ActionRemove:
		const stmt = `DELETE FROM platform_banned_users WHERE platform_title = $1 AND username = $2;`
		tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Target)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("%q is not currently banned", req.Target))
		}
		return nil
	default:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown action %q", req.Action))
	}
}

type UpdatePinnedQuizzesRequest struct {
	Platform string
	Caller   string
	Quiz     string
	Action   domain.UpdateAction
}

// UpdatePinnedQuizzes pins or unpins a quiz on the platform's front page.
func (s *Service) UpdatePinnedQuizzes(ctx context.Context, req UpdatePinnedQuizzesRequest) error {
	tier, _, err := s.ResolveTier(ctx, req.Caller, req.Platform)
	if err != nil {
		return err
	}
	if !tier.AtLeast(permission.TierModerator) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is not an owner or moderator of %q", req.Caller, req.Platform))
	}

	const existsStmt = `SELECT EXISTS (SELECT 1 FROM quizzes WHERE platform_title = $1 AND title = $2);`

	var exists bool
	if err := s.db.QueryRow(ctx, existsStmt, req.Platform, req.Quiz).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz %q not found in %q", req.Quiz, req.Platform))
	}

	switch req.Action {
	case domain.ActionAdd:
		const stmt = `INSERT INTO platform_pinned_quizzes (platform_title, quiz_title) VALUES ($1, $2) ON CONFLICT DO NOTHING;`
		tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Quiz)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("%q is already pinned", req.Quiz))
		}
	case domain.ActionRemove:
		const stmt = `DELETE FROM platform_pinned_quizzes WHERE platform_title = $1 AND quiz_title = $2;`
		tag, err := s.db.Exec(ctx, stmt, req.Platform, req.Quiz)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("%q is not pinned", req.Quiz))
		}
	default:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown action %q", req.Action))
	}

	return nil
}

// ListPinned returns the platform's pinned quiz titles.
func (s *Service) ListPinned(ctx context.Context, platformTitle string) ([]string, error) {
	const stmt = `SELECT quiz_title FROM platform_pinned_quizzes WHERE platform_title = $1 ORDER BY quiz_title;`

	rows, err := s.db.Query(ctx, stmt, platformTitle)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (string, error) {
		var title string
		err := r.Scan(&title)
		return title, err
	})
}
