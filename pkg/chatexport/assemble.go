package chatexport

import "whatsorganizer/pkg/domain"

// Assemble numbers parsed messages 1..N in order and attaches resolved files.
// resolve may be nil when the archive carries no media.
func Assemble(parsed []ParsedMessage, resolve func(name string) *string) []domain.Message {
	out := make([]domain.Message, 0, len(parsed))
	for i, p := range parsed {
		msg := domain.Message{
			ID:      i + 1,
			Name:    p.Sender,
			Time:    p.Time,
			Date:    p.Date,
			Message: p.Body,
		}
		if p.Attachment != "" && resolve != nil {
			msg.FileAttached = resolve(p.Attachment)
		}
		out = append(out, msg)
	}
	return out
}
