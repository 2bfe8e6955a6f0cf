package messages

import (
	"github.com/rallyclub/rally/internal/common/errors"
)

// Status is the local delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusQueued    Status = "queued"
)

var transitions = map[Status][]Status{
	StatusSending:   {StatusSent, StatusFailed, StatusQueued},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusSending},
	StatusQueued:    {StatusSending, StatusFailed},
}

// forward is the acknowledged chain; Path may walk it more than one step.
var forward = []Status{StatusSent, StatusDelivered, StatusRead}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusRead
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Path returns the steps that lead from one status to another. A forward jump
// along sent -> delivered -> read is expanded so that every intermediate state
// is observed. A nil slice with nil error means from == to.
func Path(from, to Status) ([]Status, error) {
	if from == to {
		return nil, nil
	}
	if CanTransition(from, to) {
		return []Status{to}, nil
	}

	fi, ti := indexOf(forward, from), indexOf(forward, to)
	if fi >= 0 && ti > fi {
		return append([]Status(nil), forward[fi+1:ti+1]...), nil
	}

	return nil, errors.InvalidTransition(string(from), string(to))
}

// Reached reports whether s is at or beyond target on the forward chain.
func Reached(s, target Status) bool {
	si, ti := indexOf(forward, s), indexOf(forward, target)
	return si >= 0 && ti >= 0 && si >= ti
}

func indexOf(list []Status, s Status) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
