package domain

// Message is one record of an ingested chat transcript.
// Field names are part of the public JSON contract consumed by the web front end.
type Message struct {
	ID           int     `json:"ID"`
	Name         string  `json:"Name"`
	Time         string  `json:"Time"`
	Date         string  `json:"Date"`
	Message      string  `json:"Message"`
	FileAttached *string `json:"FileAttached"`
}

// HasAttachment reports whether the message resolved to an archived file.
func (m Message) HasAttachment() bool {
	return m.FileAttached != nil
}

// IsSystem reports whether the message has no sender, e.g. "Messages are end-to-end encrypted".
func (m Message) IsSystem() bool {
	return m.Name == ""
}
