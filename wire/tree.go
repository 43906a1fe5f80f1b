package wire

// Leaf is one (full_path, value) pair as the wire protocol serializes
// a tree: the set of its value-bearing leaves, with the receiver
// reconstructing the branching from the full paths.
type Leaf struct {
	Path  string
	Value []byte
}

// PutLeaves appends a uint64 count followed by each leaf's path and
// value, used for TRAVERSE/QUERY replies and FIND/QUERY requests.
func (m *Message) PutLeaves(leaves []Leaf) {
	m.PutUint64(uint64(len(leaves)))
	for _, l := range leaves {
		m.PutString(l.Path)
		m.PutBytes(l.Value)
	}
}

// GetLeaves pops a leaf list written by PutLeaves.
func (m *Message) GetLeaves() ([]Leaf, error) {
	n, err := m.GetUint64()
	if err != nil {
		return nil, err
	}
	leaves := make([]Leaf, 0, n)
	for i := uint64(0); i < n; i++ {
		path, err := m.GetString()
		if err != nil {
			return nil, err
		}
		value, err := m.GetBytes()
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, Leaf{Path: path, Value: value})
	}
	return leaves, nil
}

// PutStrings appends a uint64 count followed by each string, used for
// SEARCH/FIND replies (list<str>).
func (m *Message) PutStrings(ss []string) {
	m.PutUint64(uint64(len(ss)))
	for _, s := range ss {
		m.PutString(s)
	}
}

// GetStrings pops a string list written by PutStrings.
func (m *Message) GetStrings() ([]string, error) {
	n, err := m.GetUint64()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := m.GetString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
