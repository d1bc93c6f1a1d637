package board

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int {
		return 1
	})
	bId := callbacks.Add(func() int {
		return 2
	})
	cId := callbacks.Add(func() int {
		return 3
	})

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	// add order is preserved
	assert.Equal(t, values, []int{1, 2, 3})

	callbacks.Remove(bId)

	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 3})

	// double remove is a no-op
	callbacks.Remove(bId)
	assert.Equal(t, len(callbacks.Get()), 2)

	callbacks.Remove(aId)
	callbacks.Remove(cId)
	assert.Equal(t, len(callbacks.Get()), 0)

	callbacks.Add(func() int {
		return 4
	})
	callbacks.Clear()
	assert.Equal(t, len(callbacks.Get()), 0)
}
