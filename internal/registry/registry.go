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

// Package registry holds the immutable, process-lifetime map of known SIA
// account ids to their key, timezone and allowed clock-skew window.
package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Account is the receiver's static knowledge about one panel account.
type Account struct {
	ID             string
	Key            []byte // nil when the account is unencrypted
	Timezone       *time.Location
	AllowedSkew    time.Duration // symmetric timeband
}

// Encrypted reports whether frames from this account must be decrypted.
func (a *Account) Encrypted() bool {
	return len(a.Key) > 0
}

// Registry is the read-only, post-startup account lookup table.
type Registry struct {
	accounts map[string]*Account
}

// New builds a Registry from already-validated accounts.
func New(accounts []*Account) *Registry {
	m := make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		m[a.ID] = a
	}
	return &Registry{accounts: m}
}

// Lookup returns the account for id, or (nil, false) if unknown.
func (r *Registry) Lookup(id string) (*Account, bool) {
	a, ok := r.accounts[id]
	return a, ok
}

// IDs returns every configured account id.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	return ids
}

// EncryptedIDs returns the subset of accounts that carry an AES key.
func (r *Registry) EncryptedIDs() []string {
	ids := make([]string, 0)
	for id, a := range r.accounts {
		if a.Encrypted() {
			ids = append(ids, id)
		}
	}
	return ids
}

// accountSpec is the YAML shape of one account entry in an accounts file.
type accountSpec struct {
	ID       string `yaml:"id"`
	Key      string `yaml:"key"`
	Timezone string `yaml:"timezone"`
}

// FromCSV builds accounts from the SIA_ACCOUNTS/SIA_KEYS env-var pair: ids
// is a comma-separated account id list, keys is index-aligned (an empty
// entry at index i means account i is unencrypted). tz and skew apply to
// every account built this way.
func FromCSV(ids, keys []string, tz *time.Location, skew time.Duration) ([]*Account, error) {
	accounts := make([]*Account, 0, len(ids))
	for i, id := range ids {
		var key []byte
		if i < len(keys) && keys[i] != "" {
			key = []byte(keys[i])
			if l := len(key); l != 16 && l != 24 && l != 32 {
				return nil, fmt.Errorf("registry: account %q AES key must be 16/24/32 bytes, got %d", id, l)
			}
		}
		accounts = append(accounts, &Account{ID: id, Key: key, Timezone: tz, AllowedSkew: skew})
	}
	return accounts, nil
}

// LoadYAMLFile reads an optional accounts overlay file, following the same
// "flags set defaults, an optional file overlays them" shape as the
// teacher's dynamic-config YAML loader.
func LoadYAMLFile(path string, defaultTZ *time.Location, defaultSkew time.Duration) ([]*Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading accounts file %s: %w", path, err)
	}

	var specs []accountSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("registry: parsing accounts file %s: %w", path, err)
	}

	accounts := make([]*Account, 0, len(specs))
	for _, s := range specs {
		tz := defaultTZ
		if s.Timezone != "" {
			loc, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return nil, fmt.Errorf("registry: account %q has invalid timezone %q: %w", s.ID, s.Timezone, err)
			}
			tz = loc
		}

		var key []byte
		if s.Key != "" {
			key = []byte(s.Key)
			if l := len(key); l != 16 && l != 24 && l != 32 {
				return nil, fmt.Errorf("registry: account %q AES key must be 16/24/32 bytes, got %d", s.ID, l)
			}
		}

		accounts = append(accounts, &Account{ID: s.ID, Key: key, Timezone: tz, AllowedSkew: defaultSkew})
	}
	return accounts, nil
}
