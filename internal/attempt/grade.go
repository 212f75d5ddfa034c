package attempt

import (
	"time"

	"github.com/sporadic-app/sporadic/internal/domain"
)

// GracePeriod extends a quiz's nominal time limit; submissions arriving
// within it are still accepted.
const GracePeriod = 30 * time.Second

// Grade counts the answers matching the quiz's answer key. Out-of-range
// or mismatched choice indices simply never match. Callers must have
// verified len(answers) == len(questions) already; the answer key has the
// same length by construction.
func Grade(answers, correctAnswers []int) int {
	total := 0
	for i, correct := range correctAnswers {
		if i < len(answers) && answers[i] == correct {
			total++
		}
	}
	return total
}

// DueTime is the last instant at which a submission is accepted.
func DueTime(timeStarted time.Time, quiz domain.Quiz) time.Time {
	return timeStarted.Add(time.Duration(quiz.TimeLimitSeconds)*time.Second + GracePeriod)
}
