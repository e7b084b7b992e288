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

// Command siadcs-status fetches a running receiver's admin status and
// health endpoints and renders them as a table, the same "thin HTTP-fetch
// + tablewriter" shape as cmd/ptpcheck's sources command.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var adminAddrFlag string

type healthResponse struct {
	Status     string `json:"status"`
	SIAPort    int    `json:"sia_port"`
	ForwardURL string `json:"forward_url"`
	QueueSize  int    `json:"queue_size"`
}

type statusResponse struct {
	ListeningHost     string   `json:"listening_host"`
	ListeningPort     int      `json:"listening_port"`
	AllowedAccounts   []string `json:"allowed_accounts"`
	EncryptedAccounts []string `json:"encrypted_accounts"`
}

func fetchJSON(url string, v interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runStatus(addr string) error {
	var health healthResponse
	if err := fetchJSON("http://"+addr+"/health", &health); err != nil {
		return err
	}
	var status statusResponse
	if err := fetchJSON("http://"+addr+"/sia-dc/status", &status); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"status", health.Status})
	table.Append([]string{"listening", fmt.Sprintf("%s:%d", status.ListeningHost, status.ListeningPort)})
	table.Append([]string{"forward_url", health.ForwardURL})
	table.Append([]string{"queue_size", fmt.Sprintf("%d", health.QueueSize)})
	table.Append([]string{"allowed_accounts", strings.Join(status.AllowedAccounts, ",")})
	table.Append([]string{"encrypted_accounts", strings.Join(status.EncryptedAccounts, ",")})
	table.Render()
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "siadcs-status",
	Short: "Print a running sia-dc receiver's health and status",
	Run: func(_ *cobra.Command, _ []string) {
		if err := runStatus(adminAddrFlag); err != nil {
			log.Fatal(err)
		}
	},
}

func main() {
	rootCmd.Flags().StringVarP(&adminAddrFlag, "admin", "a", "localhost:9091", "admin HTTP surface host:port")
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
