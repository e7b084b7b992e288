/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forward

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/stretchr/testify/require"
)

// fakeStats is a no-op stats.Stats recorder used only to count attempts.
type fakeStats struct {
	attempts map[string]int
}

func newFakeStats() *fakeStats { return &fakeStats{attempts: map[string]int{}} }

func (f *fakeStats) IncResponse(string)             {}
func (f *fakeStats) IncForwardAttempt(outcome string) { f.attempts[outcome]++ }
func (f *fakeStats) SetQueueDepth(int64)            {}
func (f *fakeStats) IncConnections()                {}
func (f *fakeStats) DecConnections()                {}

func TestWorkerRetryBudget(t *testing.T) {
	// With max_retries=3 and a server returning 500, exactly 3 POSTs
	// occur, then the event is dropped.
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := bus.NewQueue(4)
	st := newFakeStats()
	m := NewMapper(time.UTC, nil)
	w := NewWorker(q, m, st, srv.URL, "", "", nil, time.Second, 3, 5*time.Millisecond)

	q.TryPush(&bus.Item{Account: "AAA", Code: "BA"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for {
			item, ok := q.Pop(10 * time.Millisecond)
			if ok {
				w.deliver(ctx, item)
				close(done)
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery did not complete in time")
	}

	require.Equal(t, int32(3), atomic.LoadInt32(&posts))
	require.Equal(t, 1, st.attempts["dropped"])
	require.Equal(t, 2, st.attempts["retry"])
}

func TestWorkerSucceedsAfterRetries(t *testing.T) {
	// Downstream 500s then 200; exactly one logical delivery occurs.
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&posts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := bus.NewQueue(4)
	st := newFakeStats()
	m := NewMapper(time.UTC, nil)
	w := NewWorker(q, m, st, srv.URL, "", "", nil, time.Second, 5, 5*time.Millisecond)

	item := &bus.Item{Account: "AAA", Code: "BA"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w.deliver(ctx, item)

	require.Equal(t, int32(3), atomic.LoadInt32(&posts))
	require.Equal(t, 1, st.attempts["success"])
	require.Equal(t, 0, st.attempts["dropped"])
}

func TestWorkerIdleDuringDelivery(t *testing.T) {
	// Idle must go false while an item is being delivered and come back
	// true once Run picks the queue back up, so a shutdown sequence that
	// polls Idle never cancels the worker mid-delivery.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := bus.NewQueue(4)
	st := newFakeStats()
	m := NewMapper(time.UTC, nil)
	w := NewWorker(q, m, st, srv.URL, "", "", nil, 5*time.Second, 3, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, w.Idle())

	q.TryPush(&bus.Item{Account: "AAA", Code: "BA"})
	require.Eventually(t, func() bool { return !w.Idle() }, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return w.Idle() }, time.Second, time.Millisecond)
}

func TestWorkerHeadersSent(t *testing.T) {
	var gotAuth, gotCookie, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		gotExtra = r.Header.Get("X-Extra")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := bus.NewQueue(4)
	st := newFakeStats()
	m := NewMapper(time.UTC, nil)
	w := NewWorker(q, m, st, srv.URL, "Bearer tok", "sess=1", map[string]string{"X-Extra": "v"}, time.Second, 3, 5*time.Millisecond)

	w.deliver(context.Background(), &bus.Item{Account: "AAA", Code: "BA"})

	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "sess=1", gotCookie)
	require.Equal(t, "v", gotExtra)
}
