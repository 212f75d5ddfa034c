package domain

const (
	EventNameScoreApplied       = "score.applied"
	EventNameAwardGranted       = "award.granted"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventScoreApplied fires after a graded submit folds its result into the
// platform's cumulative score for the user. Delta is the quiz's contribution,
// TotalCorrect the new cumulative value.
type EventScoreApplied struct {
	Platform     string
	Username     string
	Delta        int
	TotalCorrect int
}

func (EventScoreApplied) Name() string { return EventNameScoreApplied }

type EventAwardGranted struct {
	Award Award
	User  string
}

func (EventAwardGranted) Name() string { return EventNameAwardGranted }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
