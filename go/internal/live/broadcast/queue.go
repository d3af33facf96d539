package broadcast

import (
	"fmt"
	"time"
)

// Priority controls flush cadence and staleness tolerance of a message.
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

var priorities = [...]Priority{High, Normal, Low}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// QueuedMessage is one pending emission for a room.
type QueuedMessage struct {
	Event      string
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time
	ContestID  string
	// Except is the socket id that must not receive the message, usually the sender.
	Except string
}

type roomQueue struct {
	messages  []QueuedMessage
	lastFlush [len(priorities)]time.Time
}

// take removes and returns the messages of priority p, keeping the rest in order.
func (q *roomQueue) take(p Priority) []QueuedMessage {
	var taken []QueuedMessage
	kept := q.messages[:0]
	for _, m := range q.messages {
		if m.Priority == p {
			taken = append(taken, m)
		} else {
			kept = append(kept, m)
		}
	}
	// clear the tail so dropped payloads can be collected
	for i := len(kept); i < len(q.messages); i++ {
		q.messages[i] = QueuedMessage{}
	}
	q.messages = kept
	return taken
}

func (q *roomQueue) has(p Priority) bool {
	for _, m := range q.messages {
		if m.Priority == p {
			return true
		}
	}
	return false
}

// splitByExcept groups consecutive messages that share a sender exclusion.
func splitByExcept(msgs []QueuedMessage) [][]QueuedMessage {
	var runs [][]QueuedMessage
	start := 0
	for i := 1; i <= len(msgs); i++ {
		if i == len(msgs) || msgs[i].Except != msgs[start].Except {
			runs = append(runs, msgs[start:i])
			start = i
		}
	}
	return runs
}
