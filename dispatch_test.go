package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recordingQueue builds a started queue whose worker appends event ids to a
// shared slice.
func recordingQueue(name string, mu *sync.Mutex, got *[]string) *Queue {
	q := NewQueue(name, 1, func(_ context.Context, ev Event) error {
		mu.Lock()
		*got = append(*got, name+":"+ev.EventMeta().ID)
		mu.Unlock()
		return nil
	}, testLogger())
	q.Start(context.Background())
	return q
}

func TestDispatchFirstMatchWins(t *testing.T) {
	var mu sync.Mutex
	var got []string

	d := NewDispatcher(testLogger())
	first := recordingQueue("first", &mu, &got)
	second := recordingQueue("second", &mu, &got)
	d.Bind(first)
	d.Bind(second)

	// Both handlers match PR merges; registration order decides.
	d.Register(Handler{
		Name:    "wins",
		Matches: func(ev Event) bool { return ev.Kind() == KindPRMerged },
		Queue:   "first",
	})
	d.Register(Handler{
		Name:    "shadowed",
		Matches: func(ev Event) bool { return ev.Kind() == KindPRMerged },
		Queue:   "second",
	})

	ev := &PRMerged{Meta: NewMeta("test"), PRNumber: 7}
	d.Dispatch(ev)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, first.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:" + ev.ID}, got)
}

func TestDispatchDropsUnmatched(t *testing.T) {
	var mu sync.Mutex
	var got []string

	d := NewDispatcher(testLogger())
	q := recordingQueue("only", &mu, &got)
	d.Bind(q)
	d.Register(Handler{
		Name:    "approvals",
		Matches: func(ev Event) bool { return ev.Kind() == KindPRApproved },
		Queue:   "only",
	})

	d.Dispatch(&PRMerged{Meta: NewMeta("test"), PRNumber: 1})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, got)
}

func TestDispatchInvokesTapsOnMatchOnly(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var tapped []Kind

	d := NewDispatcher(testLogger())
	q := recordingQueue("only", &mu, &got)
	d.Bind(q)
	d.Register(Handler{
		Name:    "approvals",
		Matches: func(ev Event) bool { return ev.Kind() == KindPRApproved },
		Queue:   "only",
	})
	d.Tap(func(ev Event) {
		mu.Lock()
		tapped = append(tapped, ev.Kind())
		mu.Unlock()
	})

	d.Dispatch(&PRApproved{Meta: NewMeta("test"), PRNumber: 1})
	d.Dispatch(&PRMerged{Meta: NewMeta("test"), PRNumber: 1}) // unmatched

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindPRApproved}, tapped)
	assert.Len(t, got, 1)
}
