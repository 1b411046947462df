package models

// Thread is a two-party conversation. Low and High hold the participant
// ids in canonical order (Low < High lexicographically), so at most one
// thread can ever exist for an unordered pair. Threads are created on the
// first exchange and never mutated afterwards.
type Thread struct {
	ID string `json:"id"`
	// Low/High are participant ids sorted under the canonical ordering.
	Low  string `json:"low"`
	High string `json:"high"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
}

// Other returns the participant that is not user, or "" when user is not
// a participant of the thread.
func (t Thread) Other(user string) string {
	switch user {
	case t.Low:
		return t.High
	case t.High:
		return t.Low
	}
	return ""
}

// HasParticipant reports whether user is one of the two participants.
func (t Thread) HasParticipant(user string) bool {
	return user == t.Low || user == t.High
}
