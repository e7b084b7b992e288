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

// Command siasim opens a TCP connection to a SIA-DCS receiver, sends a
// handful of test events, and prints the ACK/NAK/DUH responses. It is a Go
// rewrite of the project's Python sia_simulator.py, pinned to the ARC CRC
// variant only (the source simulator's second CCITT implementation was a
// latent bug, not a protocol requirement).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/irpus1603/sia-dc/internal/frame"
)

type scenario struct {
	code, zone, desc string
}

var defaultScenarios = []scenario{
	{"BA", "001", "Burglary Alarm"},
	{"FA", "002", "Fire Alarm"},
	{"PA", "003", "Panic Alarm"},
	{"OP", "001", "Opening"},
	{"CL", "001", "Closing"},
	{"TA", "004", "Tamper Alarm"},
	{"YK", "000", "Heartbeat"},
}

// buildMessage renders one unencrypted SIA-DCS frame for account/code/zone
// at the given sequence number, with a receiver-clock timestamp suffix.
func buildMessage(account string, seq int, code, zone string) []byte {
	zoneText := zone
	if zone == "000" {
		zoneText = ""
	}
	ts := time.Now().UTC().Format("_15:04:05,01-02-2006")
	content := fmt.Sprintf("[#%s|N%s%s]%s", account, code, zoneText, ts)
	body := fmt.Sprintf(`"SIA-DCS"%04dR1L1#%s%s`, seq, account, content)
	return frame.Encode([]byte(body))
}

func sendAndReceive(addr string, msg []byte) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(msg); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	f, err := frame.Decode(resp)
	if err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return string(f.Body), nil
}

func main() {
	host := flag.String("host", "127.0.0.1", "target host")
	port := flag.Int("port", 65100, "target port")
	account := flag.String("account", "AAA", "account id")
	flag.Parse()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	fmt.Printf("sia-dc simulator -> %s (account %s)\n", addr, *account)

	for i, sc := range defaultScenarios {
		seq := i + 1
		msg := buildMessage(*account, seq, sc.code, sc.zone)
		fmt.Printf("-> [%04d] %s zone=%s (%s)\n", seq, sc.code, sc.zone, sc.desc)

		resp, err := sendAndReceive(addr, msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "   error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<- %s\n", resp)
	}
}
