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

package sia

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrContentParse is returned when the content block does not match the
// DC-09 grammar closely enough to extract a message type and code.
var ErrContentParse = errors.New("sia: content parse failed")

// contentRe matches "[#acct|Tcodequalifier]" with an optional trailing
// "_HH:MM:SS,MM-DD-YYYY" timestamp.
var contentRe = regexp.MustCompile(`^\[#([0-9A-Za-z]{3,16})\|([A-Za-z])([A-Za-z]{2})([^\]]*)\](?:_(\d{2}):(\d{2}):(\d{2}),(\d{2})-(\d{2})-(\d{4}))?`)

// partitionRe pulls "ri<nn>" (partition) and zoneRe a trailing numeric zone
// out of the qualifier tail; extraTokenRe collects any "key=value"-ish tokens.
var zoneRe = regexp.MustCompile(`(\d+)$`)
var partitionRe = regexp.MustCompile(`ri(\d{2})`)
var extraTokenRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)=([^/\s]+)`)

// ParsedEvent is a structured decode of a SIA-DCS content block, replacing
// the dynamic attribute-lookup object the source library hands back.
type ParsedEvent struct {
	Account     string
	MessageType string
	Code        string
	Zone        string
	Partition   string
	Sequence    string
	Receiver    string
	Line        string
	Timestamp   *time.Time
	RawFullFrame string
	Extras      map[string]string
}

// ParseContent parses a decrypted/plain content block (and optional
// trailing timestamp) into a ParsedEvent. Account is taken from the block's
// "#acct" field; sequence, receiver, line and the raw frame are not part of
// the bracketed block itself, so callers fill them in from the surrounding
// frame body once parsing succeeds.
func ParseContent(content string) (*ParsedEvent, error) {
	m := contentRe.FindStringSubmatch(content)
	if m == nil {
		return nil, fmt.Errorf("%w: content %q does not match [#acct|Tcode...] grammar", ErrContentParse, content)
	}

	account := m[1]
	msgType := m[2]
	code := m[3]
	qualifier := m[4]

	if msgType == "" || code == "" {
		return nil, fmt.Errorf("%w: missing message type or code", ErrContentParse)
	}

	ev := &ParsedEvent{
		Account:     account,
		MessageType: msgType,
		Code:        code,
		Extras:      map[string]string{},
	}

	zoneSource := qualifier
	if loc := partitionRe.FindStringSubmatchIndex(qualifier); loc != nil {
		ev.Partition = qualifier[loc[2]:loc[3]]
		zoneSource = qualifier[:loc[0]] + qualifier[loc[1]:]
	}
	if zone := zoneRe.FindStringSubmatch(zoneSource); zone != nil {
		ev.Zone = zone[1]
	}

	for _, kv := range extraTokenRe.FindAllStringSubmatch(qualifier, -1) {
		ev.Extras[kv[1]] = kv[2]
	}

	if m[5] != "" {
		hh, _ := strconv.Atoi(m[5])
		mm, _ := strconv.Atoi(m[6])
		ss, _ := strconv.Atoi(m[7])
		month, _ := strconv.Atoi(m[8])
		day, _ := strconv.Atoi(m[9])
		year, _ := strconv.Atoi(m[10])
		ts := time.Date(year, time.Month(month), day, hh, mm, ss, 0, time.UTC)
		ev.Timestamp = &ts
	}

	return ev, nil
}
