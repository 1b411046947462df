package models

// Message is an append-only entry owned by a thread. The ordering key is
// (CreatedTS, ID): the id breaks ties deterministically when two messages
// share a timestamp.
type Message struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts"`
}

// Less reports whether m sorts before other under the (CreatedTS, ID) key.
func (m Message) Less(other Message) bool {
	if m.CreatedTS != other.CreatedTS {
		return m.CreatedTS < other.CreatedTS
	}
	return m.ID < other.ID
}
