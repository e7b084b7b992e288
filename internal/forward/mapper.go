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

// Package forward maps queued events to the downstream JSON contract and
// delivers them over HTTP with retry.
package forward

import (
	"sort"
	"strings"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
)

// Payload is the exact JSON body the downstream HTTP sink expects, a
// straight port of original_source's map_to_saras_payload.
type Payload struct {
	AccountCode  string  `json:"account_code"`
	Event        string  `json:"event"`
	Partition    *string `json:"partition"`
	Zone         *string `json:"zone"`
	ExtraMessage string  `json:"extra_message"`
	Timestamp    string  `json:"timestamp"`
	IsHeartbeat  bool    `json:"is_heartbeat"`
}

// Mapper turns bus.Items into Payloads using a configured timezone and
// heartbeat code set.
type Mapper struct {
	Location       *time.Location
	HeartbeatCodes map[string]bool
}

// NewMapper builds a Mapper, uppercasing the heartbeat set once so Map
// never needs to re-normalize it.
func NewMapper(loc *time.Location, heartbeatCodes []string) *Mapper {
	set := make(map[string]bool, len(heartbeatCodes))
	for _, c := range heartbeatCodes {
		set[strings.ToUpper(c)] = true
	}
	return &Mapper{Location: loc, HeartbeatCodes: set}
}

// Map converts a bus.Item into the downstream Payload.
func (m *Mapper) Map(item *bus.Item) Payload {
	event := item.Code
	if event == "" {
		event = "UNKN"
	}

	var partition, zone *string
	if item.Partition != "" {
		p := zeroPad(item.Partition, 2)
		partition = &p
	}
	if item.Zone != "" {
		z := zeroPad(item.Zone, 3)
		zone = &z
	}

	extras := extrasToMessage(item.Extras)
	if item.RawFullFrame != "" {
		if extras != "" {
			extras += " "
		}
		extras += `raw="` + escapeQuotes(item.RawFullFrame) + `"`
	}

	return Payload{
		AccountCode:  item.Account,
		Event:        event,
		Partition:    partition,
		Zone:         zone,
		ExtraMessage: extras,
		Timestamp:    m.renderTimestamp(item.Timestamp),
		IsHeartbeat:  m.HeartbeatCodes[strings.ToUpper(item.Code)],
	}
}

// renderTimestamp renders ts (or "now" in UTC if nil) in the Mapper's
// configured application timezone as "YYYY-MM-DD HH:MM:SS".
func (m *Mapper) renderTimestamp(ts *time.Time) string {
	when := time.Now().UTC()
	if ts != nil {
		when = *ts
	}
	return when.In(m.Location).Format("2006-01-02 15:04:05")
}

// zeroPad left-pads s with '0' to width w, matching Python's str.zfill.
func zeroPad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return strings.Repeat("0", w-len(s)) + s
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// extrasToMessage flattens extras into `key="value"` tokens, space
// separated, in a stable (sorted-by-key) order.
func extrasToMessage(extras map[string]string) string {
	if len(extras) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+`="`+escapeQuotes(extras[k])+`"`)
	}
	return strings.Join(parts, " ")
}
