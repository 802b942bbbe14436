package common

type SessionState uint

const (
	PendingView SessionState = iota
	FailedView
	BlocklistView
)

func (s SessionState) String() string {
	switch s {
	case PendingView:
		return "pending"
	case FailedView:
		return "failed"
	case BlocklistView:
		return "deny-list"
	}
	return "unknown"
}

// RefreshMsg asks every view to reload its data.
type RefreshMsg struct{}
