package modallock

import (
	"sort"
	"time"
)

// Participant is one user inside a dialog.
type Participant struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

func (p Participant) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Email != "":
		return p.Email
	default:
		return p.UserID
	}
}

// Elect picks the owner among participants: earliest JoinedAt, ties broken
// by the lexically smallest UserID. It returns "" for an empty roster.
func Elect(participants []Participant) string {
	if len(participants) == 0 {
		return ""
	}
	sorted := SortRoster(participants)
	return sorted[0].UserID
}

// SortRoster orders participants by election precedence without modifying
// the input.
func SortRoster(participants []Participant) []Participant {
	out := append([]Participant(nil), participants...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
