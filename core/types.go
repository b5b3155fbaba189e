package core

import (
	"errors"
	"strings"
)

// UserID uniquely identifies a user in the gamification domain.
type UserID string

// EventType names a class of activity events (e.g. "purchase", "login").
type EventType string

// CategoryID names a points category such as XP or generic POINTS.
type CategoryID string

// BadgeID names a badge.
type BadgeID string

// TrophyID names a trophy.
type TrophyID string

// RuleID uniquely identifies a rule definition.
type RuleID string

// ConditionKind tags a condition variant. The set is open: plugins may
// register additional kinds at runtime.
type ConditionKind string

const (
	CondAlwaysTrue         ConditionKind = "always_true"
	CondAttributeEquals    ConditionKind = "attribute_equals"
	CondCount              ConditionKind = "count"
	CondThreshold          ConditionKind = "threshold"
	CondSequence           ConditionKind = "sequence"
	CondTimeSinceLastEvent ConditionKind = "time_since_last_event"
	CondFirstOccurrence    ConditionKind = "first_occurrence"
	CondScript             ConditionKind = "script"
)

// RewardKind tags a reward variant. Open set, like ConditionKind.
type RewardKind string

const (
	RewardPoints  RewardKind = "points"
	RewardBadge   RewardKind = "badge"
	RewardTrophy  RewardKind = "trophy"
	RewardLevel   RewardKind = "level"
	RewardPenalty RewardKind = "penalty"
)

// Combinator selects how a rule's conditions combine.
type Combinator string

const (
	CombineAll Combinator = "all"
	CombineAny Combinator = "any"
)

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateIdentifier ensures a non-empty id with a simple charset check
// (alnum, dash, underscore, dot). Used for badge, trophy, and category ids.
func ValidateIdentifier(id string) error {
	s := strings.TrimSpace(id)
	if s == "" {
		return errors.New("empty identifier")
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return errors.New("invalid identifier: " + s)
	}
	return nil
}
