package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"letters-overlay/core"
	"letters-overlay/pkg/config"
)

// RelayService wires a relay's ledger, write pipeline, sync engine, and
// heartbeat loop together, and is the single object relayserver/controllers
// calls into. Its shape is grounded on the teacher's walletserver/services
// WalletService — a thin struct wrapping core operations for the HTTP layer
// — generalized from one call-through-to-core method per op to an owner of
// long-lived background loops.
type RelayService struct {
	log        *logrus.Logger
	relayRoot  string
	chainsRoot string
	configDir  string

	mu     sync.RWMutex
	ledger *core.BlockLedger
	cfg    *core.RelayConfig

	queue     *core.WriteQueue
	engine    *core.SyncEngine
	heartbeat *core.HeartbeatLoop
	directory *DirectoryClient
	intervals core.Intervals
}

// NewRelayService initializes (or resumes) a relay's on-disk state at root.
func NewRelayService(log *logrus.Logger, root string, cfg *core.RelayConfig, configDir string) (*RelayService, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	chainsRoot := filepath.Join(root, "chains")

	if _, _, err := core.MigrateLegacyLedger(log, root, chainsRoot); err != nil {
		return nil, err
	}

	ledger, err := core.NewBlockLedger(log, chainsRoot, cfg.ActiveGenesisHash)
	if err != nil {
		return nil, err
	}
	if cfg.ActiveGenesisHash == "" {
		genesis, err := ledger.RenameToGenesis()
		if err != nil {
			return nil, err
		}
		cfg.ActiveGenesisHash = genesis
		if err := config.Save(configDir, cfg); err != nil {
			log.WithError(err).Warn("failed to persist discovered genesis hash")
		}
	}

	svc := &RelayService{
		log:        log,
		relayRoot:  root,
		chainsRoot: chainsRoot,
		configDir:  configDir,
		ledger:     ledger,
		cfg:        cfg,
	}

	if cfg.DirectoryURL != "" {
		svc.directory = NewDirectoryClient(cfg.DirectoryURL)
	}

	// The sync engine hands orphaned letters (fork replay) back through the
	// write queue via svc.EnqueueReplayed, so one engine serves pre-write,
	// periodic and on-demand sync.
	svc.engine = core.NewSyncEngine(log, ledger, cfg.Onion, svc.directoryLister(), svc)

	queue, err := core.NewWriteQueue(log, ledger, svc.engine, svc, root)
	if err != nil {
		return nil, err
	}
	svc.queue = queue

	intervals := core.LoadIntervals()
	svc.intervals = intervals
	svc.heartbeat = core.NewHeartbeatLoop(log, svc.directoryReporter(), svc, cfg.DirectoryURL+"/api/relays", intervals.RelayReport, svc.buildHeartbeatPayload)

	return svc, nil
}

// Start launches the relay's two independent background timers (§4.6, §5):
// the Sync timer, which periodically drives the sync engine, and the
// heartbeat/report timer, which fires an initial report immediately and then
// on its own schedule. AcceptLetter and POST /api/sync|/api/report still run
// these same engines on demand, independent of the timers.
func (s *RelayService) Start(ctx context.Context) {
	s.engine.StartLoop(ctx, s.intervals.RelaySync)
	s.heartbeat.Start(ctx)
}

func (s *RelayService) Stop() {
	s.engine.StopLoop()
	s.heartbeat.Stop()
}

func (s *RelayService) directoryLister() core.DirectoryLister {
	if s.directory == nil {
		return nil
	}
	return s.directory
}

func (s *RelayService) directoryReporter() core.DirectoryReporter {
	if s.directory == nil {
		return nil
	}
	return s.directory
}

// AcceptLetter submits a new letter, per §4.2.
func (s *RelayService) AcceptLetter(payload json.RawMessage, ownerFingerprint string, relayMetrics map[string]any) (*core.Block, error) {
	return s.queue.AcceptLetter(payload, ownerFingerprint, relayMetrics)
}

func (s *RelayService) QueueStatus() core.QueueStatus {
	return s.queue.GetQueueStatus()
}

func (s *RelayService) ClearQueue() {
	s.queue.ClearQueue()
}

func (s *RelayService) Blocks() []core.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.GetBlocks()
}

func (s *RelayService) Config() core.RelayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// TriggerSync runs an on-demand sync, for POST /api/sync.
func (s *RelayService) TriggerSync(ctx context.Context) (core.SyncResult, error) {
	return s.engine.Sync(ctx)
}

// TriggerReport runs an on-demand report, for POST /api/report.
func (s *RelayService) TriggerReport(ctx context.Context) core.ReportOutcome {
	return s.heartbeat.Report(ctx)
}

func (s *RelayService) Status() map[string]any {
	s.mu.RLock()
	manifest, _ := s.ledger.GetManifest()
	cfg := *s.cfg
	s.mu.RUnlock()
	return map[string]any{
		"summary":      manifest,
		"config":       cfg,
		"queue":        s.queue.GetQueueStatus(),
		"lastConflict": s.engine.LastConflict(),
	}
}

func (s *RelayService) buildHeartbeatPayload() core.HeartbeatPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, _ := s.ledger.GetManifest()
	return core.HeartbeatPayload{
		Onion:           s.cfg.Onion,
		PublicURL:       s.cfg.PublicURL,
		PublicAccessURL: s.cfg.PublicAccessURL,
		Nickname:        s.cfg.Nickname,
		LatencyMs:       s.cfg.Metrics.LatencyMs,
		Reachability:    s.cfg.Metrics.Reachability,
		GFWBlocked:      s.cfg.Metrics.GFWBlocked,
		ChainSummary:    manifest,
	}
}

// NotifyBlockCommitted implements core.DirectoryNotifier (§4.2 step 4):
// fire-and-forget report after every committed letter.
func (s *RelayService) NotifyBlockCommitted(block core.Block) {
	s.heartbeat.Report(context.Background())
}

// EnqueueReplayed implements core.PendingAppender by forwarding orphaned
// letters from fork resolution to the write queue.
func (s *RelayService) EnqueueReplayed(payload json.RawMessage, ownerFingerprint string, replayedFromBlock uint64) {
	s.queue.EnqueueReplayed(payload, ownerFingerprint, replayedFromBlock)
}

// SwitchActiveGenesis implements core.GenesisSwitcher. Per §9 Open Question
// 1 ("whether the in-flight queue should be re-based or snapshotted... is
// ambiguous"), this relay takes the conservative reading: a directory-
// reported genesis mismatch is persisted to config so the NEXT restart opens
// that chain, but the in-process ledger/queue/sync-engine trio — already
// correctly wired to each other — is left alone rather than hot-swapped
// mid-flight, which would otherwise risk orphaning whatever the write queue
// is mid-commit on.
func (s *RelayService) SwitchActiveGenesis(genesisHash string) error {
	s.mu.Lock()
	s.cfg.ActiveGenesisHash = genesisHash
	cfgCopy := *s.cfg
	s.mu.Unlock()
	s.log.WithField("genesisHash", genesisHash).Warn("directory reports a different canonical genesis; persisted for next restart")
	return config.Save(s.configDir, &cfgCopy)
}
