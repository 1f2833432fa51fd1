// Package names generates display names for anonymous visitors.
package names

import (
	"fmt"
	"math/rand/v2"
)

var (
	adjectives = []string{
		"Amber", "Brave", "Calm", "Clever", "Curious", "Eager", "Gentle", "Golden",
		"Happy", "Honest", "Jolly", "Kind", "Lively", "Lucky", "Merry", "Mellow",
		"Nimble", "Patient", "Polite", "Quick", "Quiet", "Rapid", "Silver", "Sunny",
		"Swift", "Thoughtful", "Tidy", "Witty",
	}

	animals = []string{
		"Badger", "Beaver", "Crane", "Dolphin", "Falcon", "Ferret", "Finch", "Fox",
		"Gecko", "Heron", "Ibis", "Koala", "Lark", "Lynx", "Marten", "Otter",
		"Owl", "Panda", "Puffin", "Quail", "Robin", "Seal", "Sparrow", "Swan",
		"Tiger", "Walrus", "Wren", "Yak",
	}
)

// Generate returns a name like "Quiet Otter 4821". The number keeps
// concurrent visitors distinguishable in an agent's list.
func Generate() string {
	return fmt.Sprintf("%s %s %04d",
		adjectives[rand.IntN(len(adjectives))],
		animals[rand.IntN(len(animals))],
		rand.IntN(10000))
}
