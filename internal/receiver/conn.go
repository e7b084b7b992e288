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

// Package receiver implements the per-connection SIA-DCS state machine and
// the TCP accept loop that feeds it.
package receiver

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/frame"
	"github.com/irpus1603/sia-dc/internal/registry"
	"github.com/irpus1603/sia-dc/internal/sia"
	"github.com/irpus1603/sia-dc/internal/stats"
	log "github.com/sirupsen/logrus"
)

// preambleRe splits a decoded body into its SIA-DCS envelope fields and the
// trailing bracketed content block (plus optional timestamp suffix), e.g.
// `"SIA-DCS"0001R1L1#AAA[#AAA|NBA001]`.
var preambleRe = regexp.MustCompile(`^"(\*?SIA-DCS)"(\d{1,4})R([0-9A-Za-z]{0,6})L([0-9A-Za-z]{0,6})#([0-9A-Za-z]{3,16})(\[.*)$`)

// errBadPreamble means the body did not match the SIA-DCS envelope grammar
// closely enough to extract sequence/receiver/line/account.
var errBadPreamble = errors.New("receiver: body does not match SIA-DCS envelope")

// idleTimeout is the default read deadline per spec.md §4.4 step 1.
const idleTimeout = 30 * time.Second

// DrainTimeout is how long Listener waits for in-flight connections during
// shutdown before it stops waiting, and how long main.go waits for the
// forward queue to empty before canceling the worker (spec.md §4.7).
const DrainTimeout = 3 * time.Second

// Handler runs the per-connection READING -> VALIDATED -> RESPONDED loop for
// one accepted socket.
type Handler struct {
	Conn     net.Conn
	Registry *registry.Registry
	Bus      *bus.Queue
	Stats    stats.Stats

	lastSeq      string
	lastBody     []byte
	lastResponse []byte
}

// NewHandler builds a Handler for one accepted connection.
func NewHandler(conn net.Conn, reg *registry.Registry, q *bus.Queue, st stats.Stats) *Handler {
	return &Handler{Conn: conn, Registry: reg, Bus: q, Stats: st}
}

// Serve runs the read/validate/respond loop until the connection closes, an
// idle timeout elapses, or done is closed.
func (h *Handler) Serve(done <-chan struct{}) {
	defer h.Conn.Close()
	reader := bufio.NewReader(h.Conn)

	for {
		select {
		case <-done:
			return
		default:
		}

		if err := h.Conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			log.Warningf("Failed to set read deadline: %v", err)
			return
		}

		raw, err := reader.ReadBytes('\n')
		if err != nil {
			if len(raw) == 0 {
				return
			}
			// A short final read without its terminator is still worth a
			// best-effort decode attempt before giving up.
		}

		h.handleFrame(raw)
	}
}

// handleFrame runs one frame through the full validation pipeline and
// writes exactly one response.
func (h *Handler) handleFrame(raw []byte) {
	f, err := frame.DecodeLenient(raw)
	if err != nil {
		log.Warningf("Framing error: %v", err)
		h.respond("NAK", "0000", "0", "0", "0000", false)
		return
	}

	seq, receiverID, line, account, bracket, err := splitPreamble(f.Body)
	if err != nil {
		log.Warningf("Bad SIA-DCS envelope: %v", err)
		h.respond("NAK", "0000", "0", "0", "0000", false)
		return
	}

	acct, ok := h.Registry.Lookup(account)
	if !ok {
		log.Warningf("Unknown account %q", account)
		h.respond("NAK", seq, receiverID, line, account, false)
		return
	}

	content, err := decodeBracket(bracket, acct)
	if err != nil {
		log.Warningf("Decrypt failed for account %q: %v", account, err)
		h.respond("NAK", seq, receiverID, line, account, acct.Encrypted())
		return
	}

	ev, err := sia.ParseContent(content)
	if err != nil {
		log.Warningf("Content parse failed for account %q: %v", account, err)
		h.respond("DUH", seq, receiverID, line, account, acct.Encrypted())
		return
	}
	ev.Sequence = seq
	ev.Receiver = receiverID
	ev.Line = line
	ev.RawFullFrame = string(f.Body)

	if ev.Timestamp != nil {
		skew := time.Since(*ev.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > acct.AllowedSkew {
			log.Warningf("Timestamp skew %s outside allowed window %s for account %q", skew, acct.AllowedSkew, account)
			h.respond("NAK", seq, receiverID, line, account, acct.Encrypted())
			return
		}
	}

	if seq == h.lastSeq && h.lastBody != nil {
		if bytes.Equal(f.Body, h.lastBody) {
			// Idempotent retransmit: reply with the cached ACK, no re-enqueue.
			h.write(h.lastResponse)
			return
		}
		log.Warningf("Sequence %s repeated with different content on account %q", seq, account)
		h.respond("NAK", seq, receiverID, line, account, acct.Encrypted())
		return
	}

	ackBody := h.respond("ACK", seq, receiverID, line, account, acct.Encrypted())
	h.lastSeq = seq
	h.lastBody = append([]byte(nil), f.Body...)
	h.lastResponse = ackBody

	item := &bus.Item{
		Account:      ev.Account,
		MessageType:  ev.MessageType,
		Code:         ev.Code,
		Zone:         ev.Zone,
		Partition:    ev.Partition,
		Receiver:     ev.Receiver,
		Line:         ev.Line,
		Timestamp:    ev.Timestamp,
		RawFullFrame: ev.RawFullFrame,
		Extras:       ev.Extras,
	}
	if !h.Bus.TryPush(item) {
		log.Warningf("Forward queue full, dropping event for account %q code %q", account, ev.Code)
	}
	h.Stats.SetQueueDepth(int64(h.Bus.Len()))
}

// respond synthesizes and writes a response frame, returning the encoded
// bytes so the caller can cache them for idempotent retransmits.
func (h *Handler) respond(kind, seq, receiverID, line, account string, encrypted bool) []byte {
	h.Stats.IncResponse(responseKind(kind))

	ts := time.Now().UTC().Format("_15:04:05,01-02-2006")
	bracket := "[]"
	if encrypted && kind == "ACK" {
		// Encrypt the (empty) bracketed region for a keyed account, per
		// spec.md §4.2's "encrypt the bracketed region if account is keyed".
		// An empty plaintext pads to zero bytes and encrypts to zero bytes,
		// so this leaves bracket as the literal "[]" ACK template either
		// way; it's kept symmetric with decodeBracket rather than special-
		// cased, since a non-empty ACK payload would need it to actually run.
		if acct, ok := h.Registry.Lookup(account); ok && acct.Encrypted() {
			if ct, err := sia.Encrypt(acct.Key, nil); err == nil {
				bracket = "[" + hex.EncodeToString(ct) + "]"
			}
		}
	}

	body := fmt.Sprintf(`"%s"%sR%sL%s#%s%s%s`, kind, seq, receiverID, line, account, bracket, ts)
	encoded := frame.Encode([]byte(body))
	h.write(encoded)
	return encoded
}

func (h *Handler) write(b []byte) {
	if _, err := h.Conn.Write(b); err != nil {
		log.Warningf("Write failed: %v", err)
	}
}

func responseKind(kind string) string {
	switch kind {
	case "ACK":
		return "ack"
	case "DUH":
		return "duh"
	default:
		return "nak"
	}
}

// splitPreamble extracts sequence/receiver/line/account and the trailing
// bracket-plus-timestamp remainder from a decoded frame body.
func splitPreamble(body []byte) (seq, receiverID, line, account, bracket string, err error) {
	m := preambleRe.FindStringSubmatch(string(body))
	if m == nil {
		return "", "", "", "", "", fmt.Errorf("%w: %q", errBadPreamble, body)
	}
	return m[2], m[3], m[4], m[5], m[6], nil
}

// decodeBracket returns the plain `[#acct|...]...` content string for an
// account, hex-decoding and AES-CBC-decrypting the ciphertext for keyed
// accounts first.
func decodeBracket(bracket string, acct *registry.Account) (string, error) {
	if !acct.Encrypted() {
		return bracket, nil
	}

	end := bytes.IndexByte([]byte(bracket), ']')
	if end < 1 {
		return "", fmt.Errorf("sia: no closing bracket in %q", bracket)
	}
	hexCipher := bracket[1:end]
	suffix := bracket[end+1:]

	ciphertext, err := hex.DecodeString(hexCipher)
	if err != nil {
		return "", fmt.Errorf("sia: bad hex ciphertext: %w", err)
	}

	plain, err := sia.Decrypt(acct.Key, ciphertext)
	if err != nil {
		return "", err
	}

	return "[" + string(plain) + "]" + suffix, nil
}
