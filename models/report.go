package models

import "sort"

// Report maps a host key (hostname or a stringified backend id) to its host.
// It is both the input of a maintenance run and the place where verification
// results are written back.
type Report map[string]*Host

// Keys returns the host keys in sorted order.
func (r Report) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
