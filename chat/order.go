package chat

import (
	"cmp"
	"maps"
	"slices"

	"pairchat/models"
)

// compareMessages orders by timestamp, then store key.
func compareMessages(a, b models.Message) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
