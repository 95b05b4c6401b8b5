package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := New()
	reg.Register("s1", RoleWorker, 2)

	rec := reg.Get("s1")
	assert.Equal(t, RoleWorker, rec.Role)
	assert.Equal(t, 2, rec.AttemptNumber)
	assert.False(t, rec.ContextLoaded)
}

func TestRegistry_GetAutoCreatesUnset(t *testing.T) {
	reg := New()
	rec := reg.Get("never-registered")
	assert.Equal(t, RoleUnset, rec.Role)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_MutateIsAtomicPerRecord(t *testing.T) {
	reg := New()
	reg.Register("s1", RoleWorker, 1)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Mutate("s1", func(r *Record) {
				r.AttemptNumber++
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 101, reg.Get("s1").AttemptNumber)
}

func TestRegistry_CloneProtectsChildTasks(t *testing.T) {
	reg := New()
	reg.Register("s1", RoleWorker, 1)
	reg.Mutate("s1", func(r *Record) {
		r.ChildTasks = append(r.ChildTasks, ChildTask{ID: "t1", Label: "a", Status: TaskRunning, SpawnTime: time.Now()})
	})

	rec := reg.Get("s1")
	require.Len(t, rec.ChildTasks, 1)
	rec.ChildTasks[0].Status = TaskFailed

	assert.Equal(t, TaskRunning, reg.Get("s1").ChildTasks[0].Status)
}

func TestRegistry_Remove(t *testing.T) {
	reg := New()
	reg.Register("s1", RoleMain, 0)
	reg.Remove("s1")
	assert.Equal(t, 0, reg.Len())
}

func TestRole_Gated(t *testing.T) {
	assert.True(t, RoleWorker.Gated())
	assert.True(t, RoleSubtask.Gated())
	assert.False(t, RoleStrategist.Gated())
	assert.False(t, RoleMain.Gated())
	assert.False(t, RoleUnset.Gated())
}
