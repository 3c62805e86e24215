package telemetry

import "time"

// Point is one timestamped sample.
type Point[T any] struct {
	At    time.Time `json:"at"`
	Value T         `json:"value"`
}

// series is a bounded, age-trimmed sample buffer. Callers hold the
// collector lock; series itself is not safe for concurrent use.
type series[T any] struct {
	maxSize int
	maxAge  time.Duration
	points  []Point[T]
}

func newSeries[T any](maxSize int, maxAge time.Duration) *series[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &series[T]{maxSize: maxSize, maxAge: maxAge}
}

func (s *series[T]) add(at time.Time, v T) {
	s.points = append(s.points, Point[T]{At: at, Value: v})
	s.trim(at)
}

func (s *series[T]) trim(now time.Time) {
	if s.maxAge > 0 {
		cutoff := now.Add(-s.maxAge)
		drop := 0
		for drop < len(s.points) && s.points[drop].At.Before(cutoff) {
			drop++
		}
		s.points = s.points[drop:]
	}
	if len(s.points) > s.maxSize {
		s.points = s.points[len(s.points)-s.maxSize:]
	}
}

func (s *series[T]) latest() (Point[T], bool) {
	if len(s.points) == 0 {
		var zero Point[T]
		return zero, false
	}
	return s.points[len(s.points)-1], true
}

// since returns samples at or after the cutoff, oldest first.
func (s *series[T]) since(cutoff time.Time) []Point[T] {
	start := 0
	for start < len(s.points) && s.points[start].At.Before(cutoff) {
		start++
	}
	out := make([]Point[T], len(s.points)-start)
	copy(out, s.points[start:])
	return out
}

func (s *series[T]) len() int {
	return len(s.points)
}
