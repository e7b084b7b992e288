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

// Package config loads the receiver's settings from the environment, the
// thin external-collaborator layer spec.md §6.4 describes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is every environment-configurable setting the receiver reads at
// startup.
type Config struct {
	Host string
	Port int

	Accounts []string
	Keys     []string

	AllowedTimeband time.Duration

	ForwardURL            string
	ForwardAuthHeader     string
	ForwardCookie         string
	ForwardTimeout        time.Duration
	ForwardMaxRetries     int
	ForwardRetryBaseDelay time.Duration
	ForwardExtraHeaders   map[string]string
	ForwardQueueCapacity  int

	AppTimezone     string
	HeartbeatCodes  []string

	LogLevel string
}

// defaultHeartbeatCodes mirrors the source's DEFAULT_HEARTBEAT_CODES set.
var defaultHeartbeatCodes = []string{"RP", "NP", "YK", "HE", "HB"}

// FromEnv reads every SIA_/FORWARD_/APP_ variable spec.md §6.4 names and
// returns a validated Config, or a config error for the caller to treat as
// a fail-fast non-zero exit.
func FromEnv() (*Config, error) {
	c := &Config{
		Host:                  os.Getenv("SIA_HOST"),
		Port:                  envInt("SIA_PORT", 65100),
		Accounts:              splitCSV(envOr("SIA_ACCOUNTS", "AAA")),
		Keys:                  splitCSVKeepEmpty(os.Getenv("SIA_KEYS")),
		AllowedTimeband:       time.Duration(envInt("SIA_ALLOWED_TIMEBAND", 3600)) * time.Second,
		ForwardURL:            envOr("FORWARD_URL", "http://localhost:9000/ingest"),
		ForwardAuthHeader:     os.Getenv("FORWARD_AUTH_HEADER"),
		ForwardCookie:         os.Getenv("FORWARD_COOKIE"),
		ForwardTimeout:        envSeconds("FORWARD_TIMEOUT", 5*time.Second),
		ForwardMaxRetries:     envInt("FORWARD_MAX_RETRIES", 5),
		ForwardRetryBaseDelay: envSeconds("FORWARD_RETRY_BASE_DELAY", 500*time.Millisecond),
		ForwardExtraHeaders:   parseExtraHeaders(os.Getenv("FORWARD_EXTRA_HEADERS")),
		ForwardQueueCapacity:  envInt("FORWARD_QUEUE_CAPACITY", 1024),
		AppTimezone:           envOr("APP_TIMEZONE", "Asia/Jakarta"),
		HeartbeatCodes:        splitCSV(os.Getenv("HEARTBEAT_CODES")),
		LogLevel:              envOr("LOG_LEVEL", "info"),
	}

	if len(c.HeartbeatCodes) == 0 {
		c.HeartbeatCodes = defaultHeartbeatCodes
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks invariants FromEnv can't express as a plain default:
// key lengths, positive retry counts, a nonempty forward URL.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: SIA_PORT %d out of range", c.Port)
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: SIA_ACCOUNTS must name at least one account")
	}
	for i, key := range c.Keys {
		if key == "" {
			continue
		}
		if l := len(key); l != 16 && l != 24 && l != 32 {
			acct := "?"
			if i < len(c.Accounts) {
				acct = c.Accounts[i]
			}
			return fmt.Errorf("config: SIA_KEYS entry %d (account %s) must be 16/24/32 chars, got %d", i, acct, l)
		}
	}
	if c.ForwardURL == "" {
		return fmt.Errorf("config: FORWARD_URL must not be empty")
	}
	if c.ForwardMaxRetries <= 0 {
		return fmt.Errorf("config: FORWARD_MAX_RETRIES must be positive")
	}
	if c.ForwardQueueCapacity <= 0 {
		return fmt.Errorf("config: FORWARD_QUEUE_CAPACITY must be positive")
	}
	if _, err := time.LoadLocation(c.AppTimezone); err != nil {
		return fmt.Errorf("config: invalid APP_TIMEZONE %q: %w", c.AppTimezone, err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitCSVKeepEmpty preserves empty entries so index alignment with
// Accounts is kept intact (an empty slot means "unencrypted").
func splitCSVKeepEmpty(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// parseExtraHeaders parses "key:value;key2:value2" into a map.
func parseExtraHeaders(v string) map[string]string {
	out := map[string]string{}
	if v == "" {
		return out
	}
	for _, kv := range strings.Split(v, ";") {
		idx := strings.Index(kv, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(kv[:idx])
		val := strings.TrimSpace(kv[idx+1:])
		if key != "" {
			out[key] = val
		}
	}
	return out
}
