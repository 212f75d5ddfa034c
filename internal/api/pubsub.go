package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sporadic-app/sporadic/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	AwardNotification struct {
		Title    string `json:"title"`
		Quiz     string `json:"quiz"`
		Platform string `json:"platform"`
	}

	LeaderboardNotification struct {
		Platform string             `json:"platform"`
		Entries  []leaderboardEntry `json:"entries"`
	}
)

// PublishAwardGranted notifies the recipient on their user channel.
func (a *API) PublishAwardGranted(ctx context.Context, e domain.EventAwardGranted) error {
	data := AwardNotification{
		Title:    e.Award.Title,
		Quiz:     e.Award.Quiz,
		Platform: e.Award.Platform,
	}

	return a.publishNotification(ctx, e.User, e.Name(), data)
}

// PublishLeaderboardUpdated fans the fresh standings out to every user
// on the board.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := LeaderboardNotification{
		Platform: l.Platform,
		Entries:  make([]leaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, leaderboardEntry{
			Username:     entry.Username,
			TotalCorrect: entry.TotalCorrect,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.Username, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
