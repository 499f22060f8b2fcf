package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignAndLookup(t *testing.T) {
	table := NewTable()

	_, ok := table.Lookup("svc-1")
	assert.False(t, ok)

	table.Assign("svc-1", "srv-1")
	serverID, ok := table.Lookup("svc-1")
	assert.True(t, ok)
	assert.Equal(t, "srv-1", serverID)
}

func TestRepoint(t *testing.T) {
	table := NewTable()
	table.Assign("svc-1", "srv-1")

	err := table.Repoint("svc-1", "srv-1", "srv-2")
	require.NoError(t, err)

	serverID, _ := table.Lookup("svc-1")
	assert.Equal(t, "srv-2", serverID)
}

func TestRepointRejectsWrongSource(t *testing.T) {
	table := NewTable()
	table.Assign("svc-1", "srv-1")

	// A stale repoint fails and leaves the table untouched.
	err := table.Repoint("svc-1", "srv-9", "srv-2")
	assert.Error(t, err)

	serverID, _ := table.Lookup("svc-1")
	assert.Equal(t, "srv-1", serverID)
}

func TestRepointUnknownService(t *testing.T) {
	table := NewTable()
	err := table.Repoint("svc-missing", "srv-1", "srv-2")
	assert.Error(t, err)
}

func TestRepointAtomicUnderConcurrency(t *testing.T) {
	table := NewTable()
	table.Assign("svc-1", "srv-1")

	// Many racing repoints from the same source: exactly one can win.
	var wg sync.WaitGroup
	wins := make(chan string, 10)
	for i := 0; i < 10; i++ {
		target := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := table.Repoint("svc-1", "srv-1", "srv-"+target); err == nil {
				wins <- "srv-" + target
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	serverID, _ := table.Lookup("svc-1")
	assert.Equal(t, winners[0], serverID)
}

func TestRemove(t *testing.T) {
	table := NewTable()
	table.Assign("svc-1", "srv-1")
	table.Remove("svc-1")

	_, ok := table.Lookup("svc-1")
	assert.False(t, ok)
}
