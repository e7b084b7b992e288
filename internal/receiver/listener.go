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

package receiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/registry"
	"github.com/irpus1603/sia-dc/internal/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Listener is the TCP accept loop: it spawns one Handler goroutine per
// accepted connection and coordinates graceful shutdown, replacing the
// teacher's raw sync.WaitGroup fan-in with errgroup.
type Listener struct {
	Addr     string
	Registry *registry.Registry
	Bus      *bus.Queue
	Stats    stats.Stats

	ln   net.Listener
	wg   sync.WaitGroup
	done chan struct{}
}

// NewListener builds a Listener bound to addr (host:port).
func NewListener(addr string, reg *registry.Registry, q *bus.Queue, st stats.Stats) *Listener {
	return &Listener{Addr: addr, Registry: reg, Bus: q, Stats: st, done: make(chan struct{})}
}

// Run binds the listening socket and accepts connections until ctx is
// canceled, then closes the socket and waits (bounded by DrainTimeout) for
// in-flight handlers to finish.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("receiver: listen on %s: %w", l.Addr, err)
	}
	l.ln = ln
	log.Infof("SIA-DCS listener started on %s", l.Addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		close(l.done)
		return l.ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					return fmt.Errorf("receiver: accept: %w", err)
				}
			}
			l.Stats.IncConnections()
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.Stats.DecConnections()
				h := NewHandler(conn, l.Registry, l.Bus, l.Stats)
				h.Serve(l.done)
			}()
		}
	})

	err = g.Wait()

	waitDone := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(DrainTimeout):
		log.Warningf("Shutdown drain timeout (%s) exceeded, proceeding", DrainTimeout)
	}

	log.Info("SIA-DCS listener stopped")
	return err
}
