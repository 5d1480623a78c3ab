package cache

import (
	"fmt"
	"strings"
)

// Subscription is the set of instruments and fields a cache tracks. Order is
// significant: it is the row and column order of every snapshot.
type Subscription struct {
	Instruments []string `yaml:"instruments" json:"instruments"`
	Fields      []string `yaml:"fields" json:"fields"`
}

// NewSubscription trims and de-duplicates both lists, keeping first
// occurrences, and rejects empty sets or empty identifiers.
func NewSubscription(instruments, fields []string) (Subscription, error) {
	ins, err := normalizeNames("instrument", instruments)
	if err != nil {
		return Subscription{}, err
	}
	fs, err := normalizeNames("field", fields)
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{Instruments: ins, Fields: fs}, nil
}

func normalizeNames(kind string, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no %ss", ErrInvalidSubscription, kind)
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("%w: empty %s at position %d", ErrInvalidSubscription, kind, i)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// Contains reports whether instrument is part of the subscription.
func (s Subscription) Contains(instrument string) bool {
	for _, i := range s.Instruments {
		if i == instrument {
			return true
		}
	}
	return false
}
