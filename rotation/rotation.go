// Package rotation maps calendar dates onto a fixed ordered list of
// approved communities. The functions are pure: the same date and list
// always produce the same result, which keeps the daily quiz stable
// across requests and makes tests trivial to pin.
package rotation

import (
	"time"
)

// DailyCommunity returns the community assigned to date, picked by
// day-of-year modulo the list length.
func DailyCommunity(date time.Time, communities []string) string {
	if len(communities) == 0 {
		return ""
	}
	return communities[date.YearDay()%len(communities)]
}

// Order returns all communities in cyclic order starting at the one
// assigned to date. When the primary choice is unusable the caller
// walks this list instead of retrying randomly.
func Order(date time.Time, communities []string) []string {
	n := len(communities)
	if n == 0 {
		return nil
	}

	start := date.YearDay() % n
	order := make([]string, 0, n)
	for i := 0; i < n; i++ {
		order = append(order, communities[(start+i)%n])
	}
	return order
}
