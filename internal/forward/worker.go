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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// idlePoll is how long Worker.Run blocks on an empty queue before
// re-checking ctx, the same "short idle poll so shutdown stays responsive"
// shape as original_source/forwarder.py's asyncio.wait_for(..., timeout=1.0).
const idlePoll = time.Second

// Worker is the single forwarding goroutine: it dequeues items in order
// and POSTs them downstream, one request in flight at a time so the
// downstream sees a serialized, ordered stream.
type Worker struct {
	Queue  *bus.Queue
	Mapper *Mapper
	Stats  stats.Stats

	URL             string
	AuthHeader      string
	Cookie          string
	ExtraHeaders    map[string]string
	Timeout         time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration

	client *http.Client
	busy   atomic.Bool
}

// NewWorker builds a Worker with an HTTP/2-aware client, grounded on
// facebook/time's broad use of golang.org/x/net for its network daemons.
func NewWorker(q *bus.Queue, m *Mapper, st stats.Stats, url, auth, cookie string, extra map[string]string, timeout time.Duration, maxRetries int, baseDelay time.Duration) *Worker {
	transport := &http.Transport{}
	_ = http2.ConfigureTransport(transport)

	return &Worker{
		Queue:          q,
		Mapper:         m,
		Stats:          st,
		URL:            url,
		AuthHeader:     auth,
		Cookie:         cookie,
		ExtraHeaders:   extra,
		Timeout:        timeout,
		MaxRetries:     maxRetries,
		RetryBaseDelay: baseDelay,
		client:         &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Run drains the queue until ctx is canceled, delivering every item with
// backoff retry before moving to the next. Canceling ctx aborts the retry
// loop and any in-flight POST immediately, so callers must not cancel ctx
// until Idle reports true (bounded by a timeout) after they've stopped
// accepting new work; see cmd/siadcs/main.go's shutdown sequence.
func (w *Worker) Run(ctx context.Context) {
	log.Info("Forward worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Forward worker stopped")
			return
		default:
		}

		item, ok := w.Queue.Pop(idlePoll)
		if !ok {
			w.Stats.SetQueueDepth(int64(w.Queue.Len()))
			continue
		}

		w.busy.Store(true)
		w.deliver(ctx, item)
		w.busy.Store(false)
		w.Stats.SetQueueDepth(int64(w.Queue.Len()))
	}
}

// Idle reports whether the queue is empty and no delivery is currently in
// flight. Shutdown polls this (bounded by a timeout) before canceling ctx,
// so the last queued item gets its full retry budget instead of being cut
// off mid-delivery.
func (w *Worker) Idle() bool {
	return w.Queue.Len() == 0 && !w.busy.Load()
}

// deliver performs the exponential-backoff retry loop for one item and
// always returns, whether it succeeded or was dropped on retry exhaustion.
func (w *Worker) deliver(ctx context.Context, item *bus.Item) {
	payload := w.Mapper.Map(item)
	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("Failed to marshal forward payload: %v", err)
		w.Stats.IncForwardAttempt("marshal_error")
		return
	}

	delay := w.RetryBaseDelay
	for attempt := 1; attempt <= w.MaxRetries; attempt++ {
		ok := w.attempt(ctx, body)
		if ok {
			w.Stats.IncForwardAttempt("success")
			log.Infof("Forwarded OK -> %s", w.URL)
			return
		}

		if attempt == w.MaxRetries {
			w.Stats.IncForwardAttempt("dropped")
			log.Errorf("Dropping event after %d attempts: %+v", attempt, payload)
			return
		}

		w.Stats.IncForwardAttempt("retry")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// attempt performs one POST; it returns true only on a 2xx response.
func (w *Worker) attempt(ctx context.Context, body []byte) bool {
	reqCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		log.Errorf("Failed to build forward request: %v", err)
		return false
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if w.Cookie != "" {
		req.Header.Set("Cookie", w.Cookie)
	}
	if w.AuthHeader != "" {
		req.Header.Set("Authorization", w.AuthHeader)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		log.Errorf("Forward error: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warningf("Forward failed (%s): %s", resp.Status, forwardErrMsg(resp.StatusCode))
		return false
	}
	return true
}

func forwardErrMsg(status int) string {
	return fmt.Sprintf("non-2xx response: %d", status)
}
