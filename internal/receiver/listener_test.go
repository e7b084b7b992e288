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
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/frame"
	"github.com/irpus1603/sia-dc/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestListenerAcceptsAndRespondsThenShutsDown(t *testing.T) {
	reg := unencryptedRegistry()
	q := bus.NewQueue(8)
	st := newCountingStats()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	l := NewListener(addr, reg, q, st)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	body := `"SIA-DCS"0001R1L1#AAA[#AAA|NBA001]`
	_, err = conn.Write(frame.Encode([]byte(body)))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	f, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Contains(t, string(f.Body), `"ACK"0001`)

	item, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "AAA", item.Account)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not shut down in time")
	}
}

func TestListenerRejectsConnectionsAfterShutdown(t *testing.T) {
	reg := registry.New(nil)
	q := bus.NewQueue(1)
	st := newCountingStats()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	l := NewListener(addr, reg, q, st)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not shut down in time")
	}

	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
}
