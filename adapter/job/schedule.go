package job

import (
	"container/heap"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Run options understood by the Job adapter.
const (
	// OptionSchedule is an absolute run time: time.Time, Unix seconds or a
	// date string such as RFC 3339.
	OptionSchedule = "schedule"
	// OptionDelay is a relative run time: time.Duration, a duration string
	// such as "90s", or a number of seconds.
	OptionDelay = "delay"
)

// runAtFromOptions returns when the job should run. The zero time means now.
// schedule wins over delay when both are given.
func runAtFromOptions(options map[string]any, now time.Time) (time.Time, error) {
	if v, ok := options[OptionSchedule]; ok && v != nil {
		at, err := toTime(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("job: invalid %q option: %w", OptionSchedule, err)
		}
		if !at.After(now) {
			return time.Time{}, nil
		}
		return at, nil
	}

	if v, ok := options[OptionDelay]; ok && v != nil {
		d, err := toDelay(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("job: invalid %q option: %w", OptionDelay, err)
		}
		if d <= 0 {
			return time.Time{}, nil
		}
		return now.Add(d), nil
	}
	return time.Time{}, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, nil
		}
		return *t, nil
	}
	return cast.ToTimeE(v)
}

func toDelay(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		d = strings.TrimSpace(d)
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(d)
	}
	secs, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// schedule keeps delayed envelopes ordered by run time.
type schedule struct {
	mu   sync.Mutex
	jobs envelopeHeap
}

func (s *schedule) push(e Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.jobs, e)
}

// popDue removes and returns every envelope due at now, oldest first.
func (s *schedule) popDue(now time.Time) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Envelope
	for len(s.jobs) > 0 && !s.jobs[0].RunAt.After(now) {
		due = append(due, heap.Pop(&s.jobs).(Envelope))
	}
	return due
}

// drain removes and returns every envelope, oldest first.
func (s *schedule) drain() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0, len(s.jobs))
	for len(s.jobs) > 0 {
		out = append(out, heap.Pop(&s.jobs).(Envelope))
	}
	return out
}

func (s *schedule) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type envelopeHeap []Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(Envelope)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
