// Package livequiz holds the rules of a live quiz run that do not touch
// storage: answer correctness, scoring, per-question results, leaderboard
// ranking and the status transition table.
package livequiz

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

const (
	DefaultPoints    = 100
	DefaultTimeLimit = 30 // seconds
)

// AnswersEqual reports whether two JSON encoded answers decode to deeply equal
// values. Object key order and whitespace are ignored, array order is not.
func AnswersEqual(submitted, correct json.RawMessage) bool {
	if len(submitted) == 0 || len(correct) == 0 {
		return false
	}
	var a, b interface{}
	if err := json.Unmarshal(submitted, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(correct, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// DistributionKey is the bucket an answer is counted under in a
// QuestionResult. A plain string answer is its own key; anything else is keyed
// by its compact JSON encoding.
func DistributionKey(answer json.RawMessage) string {
	var s string
	if err := json.Unmarshal(answer, &s); err == nil {
		return s
	}
	var v interface{}
	if err := json.Unmarshal(answer, &v); err != nil {
		return string(bytes.TrimSpace(answer))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(answer)
	}
	return string(out)
}

type Award struct {
	Correct   bool
	TimeBonus int
	Points    int
}

// Score awards base points plus a time bonus of floor(remaining/limit*base/2)
// to a correct answer. Incorrect answers earn nothing.
func Score(correct bool, base int, remaining, limit time.Duration) Award {
	if !correct {
		return Award{}
	}
	if base <= 0 {
		base = DefaultPoints
	}
	bonus := 0
	if limit > 0 {
		if remaining < 0 {
			remaining = 0
		}
		if remaining > limit {
			remaining = limit
		}
		bonus = int(int64(remaining/time.Millisecond) * int64(base) / (int64(limit/time.Millisecond) * 2))
	}
	return Award{Correct: true, TimeBonus: bonus, Points: base + bonus}
}

// Remaining is the answering time left at now for a question opened at start.
func Remaining(start time.Time, limit time.Duration, now time.Time) time.Duration {
	left := limit - now.Sub(start)
	if left < 0 {
		return 0
	}
	return left
}

// Elapsed is the answer latency in milliseconds, never negative and never past
// the limit.
func Elapsed(start time.Time, limit time.Duration, now time.Time) int {
	d := now.Sub(start)
	if d < 0 {
		d = 0
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return int(d / time.Millisecond)
}
