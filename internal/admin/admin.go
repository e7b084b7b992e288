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

// Package admin is the thin external-collaborator HTTP surface: health,
// status, and a replay endpoint that injects a synthesized ForwardItem
// bypassing the wire decoder entirely.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Server mounts the admin HTTP surface over a registry, bus, and a few
// startup-fixed config values it reports back verbatim.
type Server struct {
	Registry *registry.Registry
	Bus      *bus.Queue

	SIAHost    string
	SIAPort    int
	ForwardURL string
}

// NewServer builds an admin Server.
func NewServer(reg *registry.Registry, q *bus.Queue, siaHost string, siaPort int, forwardURL string) *Server {
	return &Server{Registry: reg, Bus: q, SIAHost: siaHost, SIAPort: siaPort, ForwardURL: forwardURL}
}

// Mux returns the admin HTTP surface's routes, ready to be served directly
// or mounted under a larger mux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sia-dc/status", s.handleStatus)
	mux.HandleFunc("/replay", s.handleReplay)
	return mux
}

// Start serves the admin mux on addr, mirroring ptp4u/stats.JSONStats.Start.
func (s *Server) Start(addr string) {
	log.Infof("Starting admin HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, s.Mux()); err != nil {
		log.Fatalf("Failed to start admin listener: %v", err)
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	SIAPort    int    `json:"sia_port"`
	ForwardURL string `json:"forward_url"`
	QueueSize  int    `json:"queue_size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:     "ok",
		SIAPort:    s.SIAPort,
		ForwardURL: s.ForwardURL,
		QueueSize:  s.Bus.Len(),
	})
}

type statusResponse struct {
	ListeningHost     string   `json:"listening_host"`
	ListeningPort     int      `json:"listening_port"`
	AllowedAccounts   []string `json:"allowed_accounts"`
	EncryptedAccounts []string `json:"encrypted_accounts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	host := s.SIAHost
	if host == "" {
		host = "0.0.0.0"
	}
	writeJSON(w, statusResponse{
		ListeningHost:     host,
		ListeningPort:     s.SIAPort,
		AllowedAccounts:   s.Registry.IDs(),
		EncryptedAccounts: s.Registry.EncryptedIDs(),
	})
}

// replayRequest mirrors original_source's ReplayEvent schema field-for-field.
type replayRequest struct {
	Account     string            `json:"account"`
	MessageType string            `json:"message_type"`
	Code        string            `json:"code"`
	Zone        string            `json:"zone"`
	Timestamp   *time.Time        `json:"timestamp"`
	Raw         string            `json:"raw"`
	Extras      map[string]string `json:"extras"`
}

type replayResponse struct {
	Queued bool `json:"queued"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := replayRequest{Account: "AAA", MessageType: "N", Code: "BA", Raw: "TEST"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	item := &bus.Item{
		Account:      req.Account,
		MessageType:  req.MessageType,
		Code:         req.Code,
		Zone:         req.Zone,
		Timestamp:    req.Timestamp,
		RawFullFrame: req.Raw,
		Extras:       req.Extras,
	}
	queued := s.Bus.TryPush(item)
	if !queued {
		log.Warningf("Replay request dropped, forward queue full")
	}
	writeJSON(w, replayResponse{Queued: queued})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to write admin response: %v", err)
	}
}
