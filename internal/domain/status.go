package domain

// MessageStatus moves forward only: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses; unknown values rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next is a forward edge.
// Re-applying the current status or moving backwards returns false.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}
