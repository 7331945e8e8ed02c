package channel

import (
	"fmt"
	"sort"
)

// Registry resolves a channel type to its adapter. It is built once at start-up
// and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers the given adapters. A later adapter for the same type
// replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

func (r *Registry) Get(channelType string) (Adapter, error) {
	a, ok := r.adapters[channelType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channelType)
	}
	return a, nil
}

// Types lists registered channel types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
