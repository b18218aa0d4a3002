package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
)

func runEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	server := fs.String("server", config.Server.URL, "Server URL (e.g., https://fleet:8443)")
	token := fs.String("token", "", "Enrollment token")
	name := fs.String("name", config.Agent.Name, "Node name, unique within the organization")
	stateDir := fs.String("state-dir", config.Agent.StateDir, "Directory for the agent identity")
	caFile := fs.String("ca-file", config.Server.CAFile, "CA certificate for the server (system roots when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *token == "" {
		return fmt.Errorf("--token is required")
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	ctx := context.Background()
	capacity, err := detectCapacity(ctx, config.Agent.DiskPath)
	if err != nil {
		return err
	}

	key, csrPEM, err := newKeyAndCSR(*name)
	if err != nil {
		return err
	}

	client, err := httpClient(*stateDir, *caFile, false)
	if err != nil {
		return err
	}

	var resp dto.EnrollResponse
	err = postJSON(ctx, client, *server+"/agent/v1/enroll", dto.EnrollRequest{
		Token:    *token,
		Name:     *name,
		Platform: platform(),
		Capacity: capacity,
		CSR:      string(csrPEM),
	}, http.StatusCreated, &resp)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if err := saveEnrollment(*stateDir, key, resp); err != nil {
		return err
	}

	slog.Info("Agent enrolled",
		"node_id", resp.NodeID,
		"org_id", resp.OrgID,
		"cert_expires_at", resp.CertExpiresAt,
		"state_dir", *stateDir)
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, wantStatus int, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/"), bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}
