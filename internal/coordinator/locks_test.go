package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockTableSerializesPerSandbox(t *testing.T) {
	table := newLockTable()

	var mu sync.Mutex
	var order []string

	release1 := table.acquire("sbx-1")
	go func() {
		release2 := table.acquire("sbx-1")
		defer release2()
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	release1()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestLockTableDistinctSandboxesDoNotBlock(t *testing.T) {
	table := newLockTable()
	releaseA := table.acquire("sbx-a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := table.acquire("sbx-b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire for a distinct sandbox id blocked on an unrelated lock")
	}
}

func TestLockTableEntryRemovedAfterRelease(t *testing.T) {
	table := newLockTable()
	release := table.acquire("sbx-1")
	table.mu.Lock()
	_, exists := table.locks["sbx-1"]
	table.mu.Unlock()
	assert.True(t, exists)

	release()

	table.mu.Lock()
	_, exists = table.locks["sbx-1"]
	table.mu.Unlock()
	assert.False(t, exists, "lock entry should be dropped once the last holder releases")
}

func TestLockTableDrop(t *testing.T) {
	table := newLockTable()
	release := table.acquire("sbx-1")
	release()
	table.drop("sbx-1") // no-op, entry already gone; must not panic

	release = table.acquire("sbx-1")
	defer release()
	table.drop("sbx-1") // ref still held; drop must not remove a live entry
	table.mu.Lock()
	_, exists := table.locks["sbx-1"]
	table.mu.Unlock()
	assert.True(t, exists)
}
