package events

import (
	"strconv"
	"strings"
	"sync"

	"nagare/core/types"
)

const defaultStreamHistory = 1024

// Record is a sequenced event held by a Stream.
type Record struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Event    *types.Event `json:"event"`
}

func (r Record) clone() Record {
	r.Event = r.Event.Clone()
	return r
}

// Stream is an Emitter that keeps a bounded history of rendered events and
// fans them out to live subscribers. Slow subscribers drop events rather
// than block the emitter.
type Stream struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	nextID  uint64
	history []Record
	subs    map[uint64]chan Record
}

// NewStream returns a stream retaining up to limit records. A non-positive
// limit selects the default.
func NewStream(limit int) *Stream {
	if limit <= 0 {
		limit = defaultStreamHistory
	}
	return &Stream{limit: limit, subs: make(map[uint64]chan Record)}
}

// Emit implements the Emitter interface.
func (s *Stream) Emit(evt Event) {
	rendered := Render(evt)
	if s == nil || rendered == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	record := Record{Sequence: s.seq, Cursor: strconv.FormatUint(s.seq, 10), Event: rendered.Clone()}
	s.history = append(s.history, record)
	if len(s.history) > s.limit {
		excess := len(s.history) - s.limit
		trimmed := make([]Record, s.limit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	for _, ch := range s.subs {
		select {
		case ch <- record.clone():
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a subscriber and returns the records after cursor that
// are still held, the live channel and a cancel function.
func (s *Stream) Subscribe(cursor string) (<-chan Record, []Record, func()) {
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}
	updates := make(chan Record, 32)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	backlog := make([]Record, 0, len(s.history))
	for _, record := range s.history {
		if record.Sequence > since {
			backlog = append(backlog, record.clone())
		}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(updates)
		})
	}
	return updates, backlog, cancel
}
