// Command settld-maintenance runs the maintenance loop (spec §4.10): a
// fixed-cadence scheduler driving holdback-release, month-close, and
// payout-enqueue ticks against the outbox table, one (tenantId, kind) at a
// time under a Postgres advisory lock. Grounded on
// services/otc-gateway/main.go's load-config, open-store, build-services,
// run-until-signal shape in the teacher repo, and
// services/otc-gateway/recon/scheduler.go for the tick loop itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"

	"github.com/nooterra/settld/internal/config"
	"github.com/nooterra/settld/internal/maintenance"
	"github.com/nooterra/settld/internal/observability/logging"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/wallet"
)

func main() {
	configPath := flag.String("config", "./settld-maintenance.toml", "path to the maintenance daemon config file")
	flag.Parse()

	logger := logging.Setup("settld-maintenance", os.Getenv("SETTLD_ENV"), "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(postgres.Open(cfg.DatabaseDSN))
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	ledger := wallet.New(store.NewWalletStore(db))
	outbox := store.NewOutboxStore(db)
	lock := store.NewAdvisoryLockStore(db)

	sched := maintenance.New(maintenance.Config{
		Outbox:  outbox,
		Lock:    lock,
		Tenants: []string{cfg.TenantID},
		Handlers: map[maintenance.Kind]maintenance.Handler{
			maintenance.KindHoldbackRelease: holdbackReleaseHandler(ledger),
			// month-close and payout-enqueue have no further settld-owned side
			// effect beyond marking the outbox message delivered: month-close
			// is a bookkeeping boundary the audit export reads off the chained
			// event log, and payout-enqueue only hands a release off to an
			// external payout rail, which is outside this module's scope.
			maintenance.KindMonthClose:    loggingHandler(logger, maintenance.KindMonthClose),
			maintenance.KindPayoutEnqueue: loggingHandler(logger, maintenance.KindPayoutEnqueue),
		},
		Logger: logger,
	})

	tickInterval := time.Duration(cfg.MaintenanceTickSec) * time.Second
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	go sched.Run(runCtx, tickInterval)

	logger.Info("settld-maintenance running", "tenantId", cfg.TenantID, "tickInterval", tickInterval.String())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()
	logger.Info("settld-maintenance stopped")
}

// holdbackReleaseHandler resolves a parked holdback fund: the outbox
// message payload names the gate, the agreement, and whether the fund
// settles to the payee (action="release") or back to the payer
// (action="refund").
func holdbackReleaseHandler(ledger *wallet.Ledger) maintenance.Handler {
	return func(ctx context.Context, msg *maintenance.Message) error {
		gateID, _ := msg.Payload["gateId"].(string)
		agreementHash, _ := msg.Payload["agreementHash"].(string)
		action, _ := msg.Payload["action"].(string)
		if gateID == "" || agreementHash == "" {
			return fmt.Errorf("holdback-release outbox message %s missing gateId/agreementHash", msg.ID)
		}
		if action == "refund" {
			return ledger.RefundHoldback(ctx, gateID, agreementHash)
		}
		targetAgentID, _ := msg.Payload["targetAgentId"].(string)
		if targetAgentID == "" {
			return fmt.Errorf("holdback-release outbox message %s missing targetAgentId", msg.ID)
		}
		return ledger.ReleaseHoldback(ctx, gateID, agreementHash, targetAgentID)
	}
}

func loggingHandler(logger *slog.Logger, kind maintenance.Kind) maintenance.Handler {
	return func(_ context.Context, msg *maintenance.Message) error {
		logger.Info("maintenance tick delivered", "kind", string(kind), "messageId", msg.ID, "tenantId", msg.TenantID)
		return nil
	}
}
