package message

import (
	"github.com/chreez/skelly-jelly-sub001/errors"
)

// Filter selects which envelopes a subscription receives. An empty
// filter matches everything. Kind and source sets are OR within the
// set and AND across criteria; the optional predicate is evaluated
// last and must be safe to call concurrently.
type Filter struct {
	kinds       map[Kind]struct{}
	sources     map[ModuleID]struct{}
	minPriority Priority
	predicate   func(*Envelope) bool
}

// FilterOption configures filter construction.
type FilterOption func(*Filter)

// WithKinds restricts the filter to the given payload kinds.
func WithKinds(kinds ...Kind) FilterOption {
	return func(f *Filter) {
		if f.kinds == nil {
			f.kinds = make(map[Kind]struct{}, len(kinds))
		}
		for _, k := range kinds {
			f.kinds[k] = struct{}{}
		}
	}
}

// WithSources restricts the filter to envelopes from the given modules.
func WithSources(sources ...ModuleID) FilterOption {
	return func(f *Filter) {
		if f.sources == nil {
			f.sources = make(map[ModuleID]struct{}, len(sources))
		}
		for _, s := range sources {
			f.sources[s] = struct{}{}
		}
	}
}

// WithMinPriority drops envelopes below the given priority.
func WithMinPriority(p Priority) FilterOption {
	return func(f *Filter) {
		f.minPriority = p
	}
}

// WithPredicate adds a custom match function evaluated after the set
// criteria. The predicate must not retain or mutate the envelope.
func WithPredicate(fn func(*Envelope) bool) FilterOption {
	return func(f *Filter) {
		f.predicate = fn
	}
}

// NewFilter builds a filter from the given options. NewFilter() with no
// options matches every envelope.
func NewFilter(opts ...FilterOption) Filter {
	var f Filter
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Validate checks the filter criteria for correctness.
func (f Filter) Validate() error {
	if !f.minPriority.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidFilter, "Filter", "Validate", "invalid minimum priority")
	}
	for k := range f.kinds {
		if k == "" {
			return errors.WrapInvalid(errors.ErrInvalidFilter, "Filter", "Validate", "empty kind in filter")
		}
	}
	for s := range f.sources {
		if !s.IsValid() {
			return errors.WrapInvalid(errors.ErrInvalidFilter, "Filter", "Validate", "empty source in filter")
		}
	}
	return nil
}

// Matches reports whether the envelope passes every filter criterion.
func (f Filter) Matches(env *Envelope) bool {
	if env == nil {
		return false
	}
	if len(f.kinds) > 0 {
		if _, ok := f.kinds[env.Kind()]; !ok {
			return false
		}
	}
	if len(f.sources) > 0 {
		if _, ok := f.sources[env.Source()]; !ok {
			return false
		}
	}
	if env.Priority() < f.minPriority {
		return false
	}
	if f.predicate != nil && !f.predicate(env) {
		return false
	}
	return true
}
