package loans

import (
	"context"
	"sort"
)

// Locker serializes the availability check-then-act of loan opening and
// confirmation. Acquire takes every key or none and fails with
// ConcurrencyConflict when a key stays contended past the implementation's
// wait budget.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// StockKey scopes a lock to a (product, location) pair.
func StockKey(product ProductID, location LocationID) string {
	return "stock:" + string(product) + "@" + string(location)
}

// SerialKey scopes a lock to one serial unit.
func SerialKey(product ProductID, serial string) string {
	return "serial:" + string(product) + "/" + serial
}

// lockKeys returns the sorted, de-duplicated keys for a set of lines.
// Sorting gives every caller the same acquisition order.
func lockKeys(products map[ProductID]Product, source LocationID, lines []OutboundLine) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, l := range lines {
		p := products[l.Product]
		if p.IsSerial() {
			for _, s := range l.Serials {
				add(SerialKey(l.Product, s))
			}
			continue
		}
		add(StockKey(l.Product, source))
	}
	sort.Strings(keys)
	return keys
}
