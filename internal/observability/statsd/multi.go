package statsd

import "time"

// Multi fans every metric out to each non-nil sink.
type Multi []Sink

var _ Sink = Multi(nil)

// NewMulti drops nil sinks and returns nil when nothing remains.
func NewMulti(sinks ...Sink) Sink {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

// Count implements Sink.
func (m Multi) Count(name string, value int64, tags map[string]string) {
	for _, s := range m {
		s.Count(name, value, tags)
	}
}

// Gauge implements Sink.
func (m Multi) Gauge(name string, value float64, tags map[string]string) {
	for _, s := range m {
		s.Gauge(name, value, tags)
	}
}

// Timing implements Sink.
func (m Multi) Timing(name string, value time.Duration, tags map[string]string) {
	for _, s := range m {
		s.Timing(name, value, tags)
	}
}
