package livequiz

import (
	"slices"
	"sort"

	"livesession-backend/internal/models"
)

// ComputeResult aggregates the stored answers for question index.
// Answers for other indices are ignored.
func ComputeResult(index int, correctAnswer []byte, answers []*models.LiveQuizAnswer) models.QuestionResult {
	res := models.QuestionResult{
		QuestionIndex:      index,
		CorrectAnswer:      correctAnswer,
		AnswerDistribution: map[string]int{},
	}

	var totalTime int64
	for _, a := range answers {
		if a.QuestionIndex != index {
			continue
		}
		res.TotalAnswers++
		res.AnswerDistribution[DistributionKey(a.Answer)]++
		if a.IsCorrect {
			res.CorrectCount++
			if res.FastestUser == nil || a.AnswerTimeMs < res.FastestUser.TimeMs {
				res.FastestUser = &models.FastestAnswer{UserID: a.UserID, TimeMs: a.AnswerTimeMs}
			}
		}
		totalTime += int64(a.AnswerTimeMs)
	}
	if res.TotalAnswers > 0 {
		res.AverageTimeMs = float64(totalTime) / float64(res.TotalAnswers)
	}
	return res
}

// Processed reports whether question index had its results revealed. A
// question skipped by showQuestion never is.
func Processed(quiz *models.LiveQuizSession, index int) bool {
	if index < 0 || index >= quiz.TotalQuestions {
		return false
	}
	return slices.Contains(quiz.RevealedIndices, index)
}

// RebuildResults recomputes the result of every processed question of a run
// from all of its stored answers.
func RebuildResults(quiz *models.LiveQuizSession, questions []models.QuizQuestion, answers []*models.LiveQuizAnswer) map[int]models.QuestionResult {
	out := make(map[int]models.QuestionResult)
	if quiz == nil {
		return out
	}

	byIndex := make(map[int][]*models.LiveQuizAnswer)
	for _, a := range answers {
		byIndex[a.QuestionIndex] = append(byIndex[a.QuestionIndex], a)
	}

	for i := range questions {
		if !Processed(quiz, i) {
			continue
		}
		out[i] = ComputeResult(i, questions[i].CorrectAnswer, byIndex[i])
	}
	return out
}

// Ranked is a score row joined with the member fields a leaderboard shows.
type Ranked struct {
	Score       *models.LiveQuizScore
	DisplayName string
	AvatarRef   *string
}

// RankLeaderboard orders scores by total score, then correct answers, then
// the earlier last answer, then user id, and returns at most limit entries
// with 1-based positional ranks. limit <= 0 returns every entry.
func RankLeaderboard(rows []Ranked, limit int) []models.LeaderboardEntry {
	sorted := make([]Ranked, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Score, sorted[j].Score
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.CorrectAnswers != b.CorrectAnswers {
			return a.CorrectAnswers > b.CorrectAnswers
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.UserID.String() < b.UserID.String()
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	entries := make([]models.LeaderboardEntry, 0, len(sorted))
	for i, r := range sorted {
		r.Score.FillAverage()
		entries = append(entries, models.LeaderboardEntry{
			Rank:           i + 1,
			UserID:         r.Score.UserID,
			DisplayName:    r.DisplayName,
			AvatarRef:      r.AvatarRef,
			TotalScore:     r.Score.TotalScore,
			CorrectAnswers: r.Score.CorrectAnswers,
			AverageTimeMs:  r.Score.AverageTimeMs,
		})
	}
	return entries
}
