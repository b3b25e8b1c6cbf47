package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"letters-overlay/core"
)

// DirectoryService wraps the directory-side Registry for the HTTP layer,
// grounded on the same thin-wrapper shape as relayserver/services and the
// teacher's walletserver/services WalletService.
type DirectoryService struct {
	log      *logrus.Logger
	registry *core.Registry
}

func NewDirectoryService(log *logrus.Logger, statePath string) (*DirectoryService, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg, err := core.NewRegistry(log, statePath)
	if err != nil {
		return nil, err
	}
	return &DirectoryService{log: log, registry: reg}, nil
}

// StartReachabilityProbe launches the background poller described in §4.4.
func (d *DirectoryService) StartReachabilityProbe(ctx context.Context, interval, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.registry.ProbeReachability(ctx, timeout)
			}
		}
	}()
}

func (d *DirectoryService) Upsert(payload core.HeartbeatPayload, clientAddr string) (core.RelayRecord, error) {
	rec, err := d.registry.Upsert(payload, clientAddr)
	if err != nil {
		return core.RelayRecord{}, err
	}
	d.registry.BroadcastSync(context.Background(), payload.Onion)
	return rec, nil
}

func (d *DirectoryService) ListRelaysWithReputation(ctx context.Context) ([]map[string]any, core.ChainManifest) {
	relays, manifest, _ := d.registry.ListRelays(ctx)
	out := make([]map[string]any, 0, len(relays))
	for _, r := range relays {
		out = append(out, map[string]any{
			"id":              r.ID,
			"onion":           r.Onion,
			"publicUrl":       r.PublicURL,
			"publicAccessUrl": r.PublicAccessURL,
			"nickname":        r.Nickname,
			"fingerprint":     r.Fingerprint,
			"createdAt":       r.CreatedAt,
			"lastSeen":        r.LastSeen,
			"lastSeenIp":      r.LastSeenIP,
			"connectionMeta":  r.ConnectionMeta,
			"chainSummary":    r.ChainSummary,
			"latencyMs":       r.LatencyMs,
			"reachability":    r.Reachability,
			"gfwBlocked":      r.GFWBlocked,
			"syncStatus":      r.SyncStatus,
			"reputation":      r.Reputation(),
		})
	}
	return out, manifest
}

func (d *DirectoryService) Best() (core.RelayRecord, bool) {
	return d.registry.Best()
}

func (d *DirectoryService) CanonicalGenesisHash() string {
	manifest := d.registry.CanonicalManifest()
	if len(manifest.Hashes) == 0 {
		return ""
	}
	return manifest.Hashes[0]
}
