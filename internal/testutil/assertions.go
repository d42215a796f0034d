package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// CompletedKeys returns the keys of every completed row in the store.
func CompletedKeys(store *MockCacheStore) map[string]bool {
	keys := make(map[string]bool)
	for _, r := range store.Rows() {
		if r.Status == types.CacheCompleted {
			keys[r.Item().Key()] = true
		}
	}
	return keys
}

// AssertSuperset fails the test if any key of before is missing from after.
func AssertSuperset(t *testing.T, before, after map[string]bool) {
	t.Helper()
	for k := range before {
		if !after[k] {
			t.Fatalf("completed key %s regressed", k)
		}
	}
}

// Items builds n work items for date with identifiers ITEM000..ITEMnnn.
func Items(date string, n int) []types.WorkItem {
	items := make([]types.WorkItem, n)
	for i := range items {
		items[i] = types.WorkItem{Identifier: ItemID(i), AsOfDate: date}
	}
	return items
}

// ItemID returns the identifier Items uses for index i.
func ItemID(i int) string {
	return fmt.Sprintf("ITEM%03d", i)
}
