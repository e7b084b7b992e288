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
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/frame"
	"github.com/irpus1603/sia-dc/internal/registry"
	"github.com/irpus1603/sia-dc/internal/sia"
	"github.com/stretchr/testify/require"
)

// countingStats is a no-op stats.Stats that just counts response kinds, used
// so tests don't need a real Prometheus registry.
type countingStats struct {
	responses map[string]int
}

func newCountingStats() *countingStats { return &countingStats{responses: map[string]int{}} }

func (c *countingStats) IncResponse(kind string)        { c.responses[kind]++ }
func (c *countingStats) IncForwardAttempt(string)        {}
func (c *countingStats) SetQueueDepth(int64)             {}
func (c *countingStats) IncConnections()                 {}
func (c *countingStats) DecConnections()                 {}

// newPipeHandler wires a Handler to one side of a net.Pipe and returns the
// client-side conn plus the Handler's bus and stats.
func newPipeHandler(t *testing.T, reg *registry.Registry) (net.Conn, *bus.Queue, *countingStats, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	q := bus.NewQueue(8)
	st := newCountingStats()
	h := NewHandler(serverConn, reg, q, st)
	done := make(chan struct{})
	go func() {
		h.Serve(make(chan struct{}))
		close(done)
	}()
	t.Cleanup(func() { clientConn.Close() })
	return clientConn, q, st, done
}

func readResponse(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	raw, err := r.ReadBytes('\n')
	require.NoError(t, err)
	f, err := frame.Decode(raw)
	require.NoError(t, err)
	return string(f.Body)
}

func unencryptedRegistry() *registry.Registry {
	return registry.New([]*registry.Account{
		{ID: "AAA", AllowedSkew: time.Hour},
	})
}

func TestHandlerUnencryptedBA(t *testing.T) {
	// unencrypted account, plain content block.
	reg := unencryptedRegistry()
	conn, q, st, _ := newPipeHandler(t, reg)

	body := `"SIA-DCS"0001R1L1#AAA[#AAA|NBA001]`
	_, err := conn.Write(frame.Encode([]byte(body)))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, `"ACK"0001`)
	require.Equal(t, 1, st.responses["ack"])

	item, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "AAA", item.Account)
	require.Equal(t, "BA", item.Code)
	require.Equal(t, "001", item.Zone)
	require.Equal(t, "N", item.MessageType)
}

func TestHandlerEncryptedAccount(t *testing.T) {
	// keyed account, hex-encoded AES-CBC ciphertext in the bracket.
	key := []byte("0123456789ABCDEF")
	reg := registry.New([]*registry.Account{
		{ID: "BBB", Key: key, AllowedSkew: time.Hour},
	})
	conn, q, _, _ := newPipeHandler(t, reg)

	ciphertext, err := sia.Encrypt(key, []byte("#BBB|NFA002"))
	require.NoError(t, err)
	bracket := "[" + hex.EncodeToString(ciphertext) + "]"
	body := `"SIA-DCS"0001R1L1#BBB` + bracket

	_, err = conn.Write(frame.Encode([]byte(body)))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, `"ACK"0001`)

	item, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "FA", item.Code)
	require.Equal(t, "002", item.Zone)
}

func TestHandlerBadCRC(t *testing.T) {
	// a flipped CRC byte must NAK and never enqueue.
	reg := unencryptedRegistry()
	conn, q, st, _ := newPipeHandler(t, reg)

	body := `"SIA-DCS"0001R1L1#AAA[#AAA|NBA001]`
	encoded := frame.Encode([]byte(body))
	flipped := append([]byte(nil), encoded...)
	if flipped[0] == 'F' {
		flipped[0] = '0'
	} else {
		flipped[0] = 'F'
	}

	_, err := conn.Write(flipped)
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, `"NAK"`)
	require.Equal(t, 1, st.responses["nak"])

	_, ok := q.Pop(100 * time.Millisecond)
	require.False(t, ok)
}

func TestHandlerHeartbeatZeroZone(t *testing.T) {
	// heartbeat code with zone "000" must be preserved, not dropped.
	reg := unencryptedRegistry()
	conn, q, _, _ := newPipeHandler(t, reg)

	body := `"SIA-DCS"0001R1L1#AAA[#AAA|NYK000]`
	_, err := conn.Write(frame.Encode([]byte(body)))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, `"ACK"0001`)

	item, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "YK", item.Code)
	require.Equal(t, "000", item.Zone)
}

func TestHandlerDuplicateSequenceIdempotent(t *testing.T) {
	// an exact retransmit (same sequence, same body) replays the cached ACK.
	reg := unencryptedRegistry()
	conn, q, _, _ := newPipeHandler(t, reg)

	body := `"SIA-DCS"0001R1L1#AAA[#AAA|NBA001]`
	encoded := frame.Encode([]byte(body))

	_, err := conn.Write(encoded)
	require.NoError(t, err)
	resp1 := readResponse(t, conn)
	require.Contains(t, resp1, `"ACK"0001`)

	_, err = conn.Write(encoded)
	require.NoError(t, err)
	resp2 := readResponse(t, conn)
	require.Contains(t, resp2, `"ACK"0001`)

	_, ok := q.Pop(time.Second)
	require.True(t, ok)
	_, ok = q.Pop(100 * time.Millisecond)
	require.False(t, ok, "duplicate frame must not enqueue a second item")
}

func TestHandlerSequenceRepeatedDifferentContent(t *testing.T) {
	// same sequence, different body, must NAK and not enqueue again.
	reg := unencryptedRegistry()
	conn, q, _, _ := newPipeHandler(t, reg)

	first := `"SIA-DCS"0001R1L1#AAA[#AAA|NBA001]`
	_, err := conn.Write(frame.Encode([]byte(first)))
	require.NoError(t, err)
	resp1 := readResponse(t, conn)
	require.Contains(t, resp1, `"ACK"0001`)

	second := `"SIA-DCS"0001R1L1#AAA[#AAA|NFA002]`
	_, err = conn.Write(frame.Encode([]byte(second)))
	require.NoError(t, err)
	resp2 := readResponse(t, conn)
	require.Contains(t, resp2, `"NAK"0001`)

	_, ok := q.Pop(time.Second)
	require.True(t, ok)
	_, ok = q.Pop(100 * time.Millisecond)
	require.False(t, ok)
}

func TestHandlerUnknownAccount(t *testing.T) {
	reg := unencryptedRegistry()
	conn, q, _, _ := newPipeHandler(t, reg)

	body := `"SIA-DCS"0001R1L1#ZZZ[#ZZZ|NBA001]`
	_, err := conn.Write(frame.Encode([]byte(body)))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, `"NAK"`)

	_, ok := q.Pop(100 * time.Millisecond)
	require.False(t, ok)
}
