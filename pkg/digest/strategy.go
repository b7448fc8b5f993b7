package digest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// strategyKind discriminates the closed set of selection strategies.
type strategyKind int

const (
	kindTopN strategyKind = iota
	kindPointThreshold
)

const (
	topNPrefix           = "TOP_N#"
	pointThresholdPrefix = "POINT_THRESHOLD#"
)

// Strategy is a selection rule subscribers choose between: the top N posts by
// points, or every post at or above a point threshold. The zero value is not a
// valid strategy; construct via TopN, PointThreshold, or ParseStrategy.
type Strategy struct {
	kind      strategyKind
	n         int
	threshold int
}

// TopN selects the n highest-scoring posts.
func TopN(n int) Strategy {
	return Strategy{kind: kindTopN, n: n}
}

// PointThreshold selects every post with at least t points.
func PointThreshold(t int) Strategy {
	return Strategy{kind: kindPointThreshold, threshold: t}
}

// ParseStrategy parses a strategy type string such as "TOP_N#10" or
// "POINT_THRESHOLD#200". It validates syntax only; whether the value is one of
// the configured strategies is the caller's concern.
func ParseStrategy(s string) (Strategy, error) {
	switch {
	case strings.HasPrefix(s, topNPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(s, topNPrefix))
		if err != nil || n <= 0 {
			return Strategy{}, fmt.Errorf("invalid TOP_N value in %q", s)
		}
		return TopN(n), nil
	case strings.HasPrefix(s, pointThresholdPrefix):
		t, err := strconv.Atoi(strings.TrimPrefix(s, pointThresholdPrefix))
		if err != nil || t < 0 {
			return Strategy{}, fmt.Errorf("invalid POINT_THRESHOLD value in %q", s)
		}
		return PointThreshold(t), nil
	default:
		return Strategy{}, fmt.Errorf("invalid strategy format: %q", s)
	}
}

// Type returns the stable identifier string for this strategy. It is injective
// over (variant, parameter) pairs and doubles as the storage partition
// discriminator and the subscriber's filter key.
func (s Strategy) Type() string {
	switch s.kind {
	case kindTopN:
		return topNPrefix + strconv.Itoa(s.n)
	case kindPointThreshold:
		return pointThresholdPrefix + strconv.Itoa(s.threshold)
	default:
		panic(fmt.Sprintf("unknown strategy kind %d", s.kind))
	}
}

// Description returns a human-readable description for emails.
func (s Strategy) Description() string {
	switch s.kind {
	case kindTopN:
		return fmt.Sprintf("the top %d stories of the day", s.n)
	case kindPointThreshold:
		return fmt.Sprintf("every story with %d points or more", s.threshold)
	default:
		panic(fmt.Sprintf("unknown strategy kind %d", s.kind))
	}
}

// Select applies the strategy to a candidate set. It never mutates its input.
//
// TopN sorts by points descending (stable, ties keep input order) and returns
// the first min(n, len) posts. PointThreshold returns the posts with points at
// or above the threshold in input order.
func (s Strategy) Select(posts []Post) []Post {
	switch s.kind {
	case kindTopN:
		sorted := make([]Post, len(posts))
		copy(sorted, posts)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Points > sorted[j].Points
		})
		if len(sorted) > s.n {
			sorted = sorted[:s.n]
		}
		return sorted
	case kindPointThreshold:
		selected := make([]Post, 0, len(posts))
		for _, p := range posts {
			if p.Points >= s.threshold {
				selected = append(selected, p)
			}
		}
		return selected
	default:
		panic(fmt.Sprintf("unknown strategy kind %d", s.kind))
	}
}

// MaxTopN returns the largest top-N parameter among the given strategies,
// or 0 if none is a top-N strategy.
func MaxTopN(strategies []Strategy) int {
	maxN := 0
	for _, s := range strategies {
		if s.kind == kindTopN && s.n > maxN {
			maxN = s.n
		}
	}
	return maxN
}

// MinPointThreshold returns the smallest threshold parameter among the given
// strategies. The second result is false when none is a point-threshold
// strategy; a zero threshold is a real value, not absence.
func MinPointThreshold(strategies []Strategy) (int, bool) {
	minT := 0
	found := false
	for _, s := range strategies {
		if s.kind != kindPointThreshold {
			continue
		}
		if !found || s.threshold < minT {
			minT = s.threshold
			found = true
		}
	}
	return minT, found
}
