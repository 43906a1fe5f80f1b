package flags

import (
	"flag"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// UniqueURIsValue implements the flag.Value interface for a
// comma-separated list of listen URIs ("unix:///path", "tcp://host:port")
// with duplicates removed.
type UniqueURIsValue struct {
	Values map[string]struct{}
}

// Set parses a command line set of URIs formatted like
// unix:///tmp/a.sock,tcp://127.0.0.1:9999.
func (us *UniqueURIsValue) Set(s string) error {
	values := make(map[string]struct{})
	for _, v := range strings.Split(s, ",") {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid listen URI %q: %v", v, err)
		}
		switch u.Scheme {
		case "unix", "tcp", "tcp6":
		default:
			return fmt.Errorf("unsupported scheme in listen URI %q", v)
		}
		values[v] = struct{}{}
	}
	us.Values = values
	return nil
}

func (us *UniqueURIsValue) String() string {
	return strings.Join(us.uriSlice(), ",")
}

func (us *UniqueURIsValue) uriSlice() []string {
	ss := make([]string, 0, len(us.Values))
	for v := range us.Values {
		ss = append(ss, v)
	}
	sort.Strings(ss)
	return ss
}

// NewUniqueURIsValue implements the flag.Value interface, seeded with a
// default list.
func NewUniqueURIsValue(init string) *UniqueURIsValue {
	us := &UniqueURIsValue{Values: make(map[string]struct{})}
	if init != "" {
		if err := us.Set(init); err != nil {
			panic(fmt.Sprintf("new UniqueURIsValue should never fail: %v", err))
		}
	}
	return us
}

// UniqueURIsFromFlag returns the sorted URIs from the named flag.
func UniqueURIsFromFlag(fs *flag.FlagSet, uriFlagName string) []string {
	return (*fs.Lookup(uriFlagName).Value.(*UniqueURIsValue)).uriSlice()
}
