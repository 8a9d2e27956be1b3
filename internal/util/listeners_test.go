package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListeners_AddNotifyRemove(t *testing.T) {
	l := NewListeners[int]()
	var got []int

	remove := l.Add(func(v int) { got = append(got, v) })
	assert.Equal(t, 1, l.Len())

	l.Notify(1)
	remove()
	l.Notify(2)

	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 0, l.Len())
}

func TestListeners_UnsubscribeDuringNotify(t *testing.T) {
	l := NewListeners[string]()
	calls := 0

	var remove func()
	remove = l.Add(func(string) {
		calls++
		remove()
	})
	l.Add(func(string) { calls++ })

	l.Notify("state")
	assert.Equal(t, 2, calls)

	l.Notify("state")
	assert.Equal(t, 3, calls)
}
