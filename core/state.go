package core

import "time"

// UserState is the current aggregate snapshot for one user. It holds no
// time-sliced detail; windowed queries go through reward history instead.
// Implementations return deep copies to maintain immutability guarantees.
type UserState struct {
	UserID   UserID                     `json:"user_id"`
	Points   map[CategoryID]PointTotal  `json:"points"`
	Badges   map[BadgeID]struct{}       `json:"badges"`
	Trophies map[TrophyID]struct{}      `json:"trophies"`
	Updated  time.Time                  `json:"updated"`
}

// NewUserState returns an empty snapshot for the user.
func NewUserState(user UserID) UserState {
	return UserState{
		UserID:   user,
		Points:   map[CategoryID]PointTotal{},
		Badges:   map[BadgeID]struct{}{},
		Trophies: map[TrophyID]struct{}{},
		Updated:  time.Now().UTC(),
	}
}

// Clone returns a deep copy of the state to uphold immutability.
func (s UserState) Clone() UserState {
	cp := UserState{
		UserID:   s.UserID,
		Points:   make(map[CategoryID]PointTotal, len(s.Points)),
		Badges:   make(map[BadgeID]struct{}, len(s.Badges)),
		Trophies: make(map[TrophyID]struct{}, len(s.Trophies)),
		Updated:  s.Updated,
	}
	for k, v := range s.Points {
		cp.Points[k] = v
	}
	for k := range s.Badges {
		cp.Badges[k] = struct{}{}
	}
	for k := range s.Trophies {
		cp.Trophies[k] = struct{}{}
	}
	return cp
}

// HasBadge reports whether the badge is already held.
func (s UserState) HasBadge(b BadgeID) bool {
	_, ok := s.Badges[b]
	return ok
}

// HasTrophy reports whether the trophy is already held.
func (s UserState) HasTrophy(t TrophyID) bool {
	_, ok := s.Trophies[t]
	return ok
}
