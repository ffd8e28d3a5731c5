package sandbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpawnRunsEntryWithContext(t *testing.T) {
	done := make(chan CalleeContext, 1)
	Spawn("slot-3", func(id TaskID, ctx CalleeContext) {
		done <- ctx
	}, nil)

	select {
	case ctx := <-done:
		assert.Equal(t, "slot-3", ctx)
	case <-time.After(time.Second):
		t.Fatal("entry function never ran")
	}
}

func TestCurrentContextDuringRun(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	var seen CalleeContext
	var ok bool

	Spawn("ctx-a", func(id TaskID, ctx CalleeContext) {
		seen, ok = CurrentContext(id)
		wg.Done()
	}, nil)

	wg.Wait()
	assert.True(t, ok)
	assert.Equal(t, "ctx-a", seen)
}

func TestExitCallbackRunsOnceOnNormalReturn(t *testing.T) {
	called := make(chan interface{}, 1)

	id := Spawn("ctx-b", func(id TaskID, ctx CalleeContext) {}, func(id TaskID, ctx CalleeContext, panicValue interface{}) {
		called <- panicValue
	})

	select {
	case pv := <-called:
		assert.Nil(t, pv)
	case <-time.After(time.Second):
		t.Fatal("exit callback never ran")
	}

	_, ok := CurrentContext(id)
	assert.False(t, ok, "context should be reclaimed after exit")
}

func TestExitCallbackRunsOnPanic(t *testing.T) {
	called := make(chan interface{}, 1)

	Spawn("ctx-c", func(id TaskID, ctx CalleeContext) {
		panic("guest exploded")
	}, func(id TaskID, ctx CalleeContext, panicValue interface{}) {
		called <- panicValue
	})

	select {
	case pv := <-called:
		assert.Equal(t, "guest exploded", pv)
	case <-time.After(time.Second):
		t.Fatal("exit callback never ran after panic")
	}
}
