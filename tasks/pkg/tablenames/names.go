package tablenames

// Names is an ordered mapping from keys (core names, or register keys) to
// warehouse table names.
type Names struct {
	keys   []string
	tables map[string]string
}

func newNames(capacity int) *Names {
	return &Names{
		keys:   make([]string, 0, capacity),
		tables: make(map[string]string, capacity),
	}
}

func (n *Names) add(key, table string) {
	n.keys = append(n.keys, key)
	n.tables[key] = table
}

// Get returns the table name stored under key.
func (n *Names) Get(key string) (string, bool) {
	t, ok := n.tables[key]
	return t, ok
}

// Keys returns the keys in insertion order.
func (n *Names) Keys() []string {
	return append([]string(nil), n.keys...)
}

// Values returns the table names in insertion order.
func (n *Names) Values() []string {
	values := make([]string, len(n.keys))
	for i, k := range n.keys {
		values[i] = n.tables[k]
	}
	return values
}

// Contains reports whether table is one of the values.
func (n *Names) Contains(table string) bool {
	for _, t := range n.tables {
		if t == table {
			return true
		}
	}
	return false
}

func (n *Names) Len() int {
	return len(n.keys)
}

// Map returns a copy of the mapping.
func (n *Names) Map() map[string]string {
	m := make(map[string]string, len(n.tables))
	for k, v := range n.tables {
		m[k] = v
	}
	return m
}
