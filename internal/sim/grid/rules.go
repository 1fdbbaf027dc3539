package grid

import (
	"errors"
	"fmt"
)

var ErrCapacityExceeded = errors.New("node capacity exceeded")

// CapacityRule rejects a pair when either node is already at its configured capacity.
func CapacityRule() Rule {
	return func(g *Graph, a, b NodeID) error {
		for _, id := range [2]NodeID{a, b} {
			limit := g.Capacity(id)
			if limit > 0 && g.Degree(id) >= limit {
				return fmt.Errorf("node %d (%s): %w", id, g.Owner(id), ErrCapacityExceeded)
			}
		}
		return nil
	}
}

// AllRules combines rules; the first rejection wins.
func AllRules(rules ...Rule) Rule {
	return func(g *Graph, a, b NodeID) error {
		for _, r := range rules {
			if r == nil {
				continue
			}
			if err := r(g, a, b); err != nil {
				return err
			}
		}
		return nil
	}
}
