package models

// ReadCursor is the per (thread, user) "read through" marker. Messages in
// the thread with CreatedTS > Through and a different sender count as
// unread. Only the owning user ever advances it.
type ReadCursor struct {
	Thread string `json:"thread"`
	User   string `json:"user"`
	// Through timestamp (ns); monotonically non-decreasing.
	Through int64 `json:"through"`
}

// Profile is the read-only directory view of a user.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// InboxRow is one row of the per-user inbox projection: the other
// participant's display attributes, the latest message snapshot and the
// unread count. It is derived state, always re-derivable from
// Thread + Message + ReadCursor.
type InboxRow struct {
	Thread      string `json:"thread"`
	Other       string `json:"other"`
	OtherName   string `json:"other_name,omitempty"`
	OtherAvatar string `json:"other_avatar,omitempty"`
	LastBody    string `json:"last_body,omitempty"`
	LastSender  string `json:"last_sender,omitempty"`
	// Last message timestamp (ns)
	LastTS int64 `json:"last_ts,omitempty"`
	Unread int   `json:"unread"`
}
