package cache

// DependencyMap is the static mapping from a written table to the cache-key
// glob patterns whose content derives from it, either directly or through a
// joined or materialized read view. It is built once at startup and passed to
// both the coordinator and the invalidator; it is never mutated afterwards.
type DependencyMap struct {
	rules map[string][]string
}

func NewDependencyMap() *DependencyMap {
	return &DependencyMap{rules: make(map[string][]string)}
}

// Add appends patterns to the rule for table, keeping declaration order.
func (m *DependencyMap) Add(table string, patterns ...string) *DependencyMap {
	m.rules[table] = append(m.rules[table], patterns...)
	return m
}

// PatternsFor unions the patterns of every listed table, deduplicated,
// preserving the order patterns were declared in. Tables without a rule
// contribute nothing.
func (m *DependencyMap) PatternsFor(tables []string) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, t := range tables {
		for _, p := range m.rules[t] {
			if seen[p] {
				continue
			}
			seen[p] = true
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// HasRule reports whether table has at least one dependency rule.
func (m *DependencyMap) HasRule(table string) bool {
	return len(m.rules[table]) > 0
}
