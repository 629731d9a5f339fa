package livequiz

import (
	"fmt"

	"livesession-backend/internal/models"
)

type Command string

const (
	CmdShowQuestion    Command = "show_question"
	CmdOpenAnswers     Command = "open_answers"
	CmdCloseAnswers    Command = "close_answers"
	CmdShowResults     Command = "show_results"
	CmdShowLeaderboard Command = "show_leaderboard"
	CmdEnd             Command = "end"
)

var allStatuses = []models.QuizStatus{
	models.QuizWaiting,
	models.QuizQuestionDisplay,
	models.QuizAnswering,
	models.QuizAnswerClosed,
	models.QuizShowingResults,
	models.QuizLeaderboard,
	models.QuizCompleted,
}

var transitions = map[Command][]models.QuizStatus{
	CmdShowQuestion:    {models.QuizWaiting, models.QuizLeaderboard},
	CmdOpenAnswers:     {models.QuizQuestionDisplay},
	CmdCloseAnswers:    {models.QuizAnswering},
	CmdShowResults:     {models.QuizAnswerClosed},
	CmdShowLeaderboard: {models.QuizShowingResults},
}

// From returns the statuses cmd may be issued from.
func From(cmd Command) []models.QuizStatus {
	if cmd == CmdEnd {
		out := make([]models.QuizStatus, 0, len(allStatuses)-1)
		for _, s := range allStatuses {
			if s != models.QuizCompleted {
				out = append(out, s)
			}
		}
		return out
	}
	return transitions[cmd]
}

// Allowed reports whether cmd may be issued while the run is in status.
func Allowed(cmd Command, status models.QuizStatus) bool {
	for _, s := range From(cmd) {
		if s == status {
			return true
		}
	}
	return false
}

// CheckQuestionIndex validates a showQuestion target. From waiting the first
// shown question may be the current one; afterwards the index must advance.
func CheckQuestionIndex(quiz *models.LiveQuizSession, i int) error {
	if i < 0 || i >= quiz.TotalQuestions {
		return fmt.Errorf("question index %d out of range [0,%d)", i, quiz.TotalQuestions)
	}
	if quiz.Status == models.QuizWaiting {
		if i < quiz.CurrentQuestionIndex {
			return fmt.Errorf("question index %d is behind current %d", i, quiz.CurrentQuestionIndex)
		}
		return nil
	}
	if i <= quiz.CurrentQuestionIndex {
		return fmt.Errorf("question index %d does not advance past %d", i, quiz.CurrentQuestionIndex)
	}
	return nil
}
