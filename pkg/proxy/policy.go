package proxy

import (
	"lsmrepl/pkg/op"
)

// Policy says which operation categories only the master may execute.
type Policy struct {
	restricted map[op.Category]bool
}

// NewPolicy parses category names as they appear in configuration.
func NewPolicy(categories []string) (Policy, error) {
	p := Policy{restricted: make(map[op.Category]bool, len(categories))}
	for _, name := range categories {
		c, err := op.ParseCategory(name)
		if err != nil {
			return Policy{}, err
		}
		p.restricted[c] = true
	}
	return p, nil
}

func (p Policy) Restricted(c op.Category) bool {
	return p.restricted[c]
}
