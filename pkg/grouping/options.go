package grouping

import "time"

// Option configures a Group or Collection.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for freshness checks. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
