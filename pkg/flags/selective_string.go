package flags

import (
	"errors"
	"sort"
)

// SelectiveStringValue implements the flag.Value interface for a flag
// whose value must be one of a fixed set.
type SelectiveStringValue struct {
	v      string
	valids map[string]struct{}
}

func (ss *SelectiveStringValue) String() string { return ss.v }

// Set verifies the argument is a valid member of the allowed values
// before setting the underlying flag value.
func (ss *SelectiveStringValue) Set(s string) error {
	if _, ok := ss.valids[s]; ok {
		ss.v = s
		return nil
	}
	return errors.New("invalid value")
}

// NewSelectiveStringValue creates a new string flag for which any of
// the given strings is a valid value, and any other value is an error.
// valids[0] will be the default value.
func NewSelectiveStringValue(valids ...string) *SelectiveStringValue {
	vm := make(map[string]struct{})
	for _, v := range valids {
		vm[v] = struct{}{}
	}
	return &SelectiveStringValue{valids: vm, v: valids[0]}
}

// Valids returns the list of valid strings.
func (ss *SelectiveStringValue) Valids() []string {
	s := make([]string, 0, len(ss.valids))
	for k := range ss.valids {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}
