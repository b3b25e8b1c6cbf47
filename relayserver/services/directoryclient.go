package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"letters-overlay/core"
)

// DirectoryClient is the relay's HTTP client for the directory's §6.1
// endpoints. It implements core.DirectoryLister (for the sync engine) and
// core.DirectoryReporter (for the heartbeat loop).
type DirectoryClient struct {
	BaseURL string
	Client  *http.Client
}

func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{BaseURL: baseURL, Client: &http.Client{Timeout: 15 * time.Second}}
}

func (d *DirectoryClient) ListRelays(ctx context.Context) ([]core.RelayRecord, core.ChainManifest, error) {
	if d.BaseURL == "" {
		return nil, core.ChainManifest{}, fmt.Errorf("no directory configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/api/relays", nil)
	if err != nil {
		return nil, core.ChainManifest{}, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, core.ChainManifest{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, core.ChainManifest{}, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	var out struct {
		Relays   []core.RelayRecord  `json:"relays"`
		Manifest core.ChainManifest `json:"manifest"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.ChainManifest{}, fmt.Errorf("decode relays: %w", err)
	}
	return out.Relays, out.Manifest, nil
}

func (d *DirectoryClient) ReportHeartbeat(ctx context.Context, endpoint string, payload core.HeartbeatPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	var out struct {
		GenesisHash string `json:"genesisHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil
	}
	return out.GenesisHash, nil
}
