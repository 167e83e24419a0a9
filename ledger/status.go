package ledger

import "fmt"

// Status is a transaction lifecycle state.
type Status string

const (
	StatusCreated        Status = "created"
	StatusSendPending    Status = "send_pending"
	StatusReceivePending Status = "receive_pending"
	StatusSendComplete   Status = "send_complete"
	StatusComplete       Status = "complete"
	StatusShared         Status = "shared"
	StatusRejected       Status = "rejected"
	StatusExpired        Status = "expired"
)

var transitions = map[Status][]Status{
	StatusCreated:        {StatusSendPending, StatusReceivePending, StatusRejected},
	StatusSendPending:    {StatusSendComplete, StatusRejected, StatusExpired},
	StatusReceivePending: {StatusComplete, StatusRejected, StatusExpired},
	StatusSendComplete:   {StatusComplete, StatusShared},
	StatusComplete:       {StatusShared},
}

// ParseStatus accepts only known lifecycle states.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusSendPending, StatusReceivePending, StatusSendComplete,
		StatusComplete, StatusShared, StatusRejected, StatusExpired:
		return st, nil
	}
	return "", invalid("status", fmt.Sprintf("unknown status %q", s))
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition wraps ErrInvalidTransition with both states.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsPending reports whether s is awaiting approval or forwarding.
func IsPending(s Status) bool {
	return s == StatusSendPending || s == StatusReceivePending
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// InitialStatus is the pending state assigned on submit.
func InitialStatus(t TxType) Status {
	if t == TypeReceive {
		return StatusReceivePending
	}
	return StatusSendPending
}

// AckStatus is the state reached once the upstream tier acknowledged the
// transaction.
func AckStatus(s Status) (Status, bool) {
	switch s {
	case StatusSendPending:
		return StatusSendComplete, true
	case StatusReceivePending:
		return StatusComplete, true
	}
	return s, false
}
