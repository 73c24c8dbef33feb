// Command settld-gate runs the x402 payment-gate HTTP surface: it loads
// config, opens the Postgres-backed store, wires the gate/wallet/authority
// services and the NooterraPay JWKS publisher, and serves the wire
// contract in spec §6. Grounded on cmd/consensusd/main.go's load-config,
// open-store, build-services, serve loop shape in the teacher repo.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"

	"github.com/nooterra/settld/internal/authority"
	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/config"
	"github.com/nooterra/settld/internal/dispute"
	"github.com/nooterra/settld/internal/emergency"
	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/httpapi"
	"github.com/nooterra/settld/internal/httpapi/middleware"
	"github.com/nooterra/settld/internal/jwks"
	"github.com/nooterra/settld/internal/nooterrapay"
	"github.com/nooterra/settld/internal/observability/logging"
	"github.com/nooterra/settld/internal/signing"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/wallet"
)

// staticKeyResolver satisfies nooterrapay.DecisionKeyResolver for the
// first-party wallet issuer this kernel operates on its own node key; a
// deployment with an external wallet issuer instead resolves keys through
// jwks.Cache.Get + jwks.ResolveKeyID against that issuer's JWKS URL.
type staticKeyResolver struct {
	keyID string
	pub   ed25519.PublicKey
}

func (r staticKeyResolver) ResolveKeyID(keyID string) (ed25519.PublicKey, bool) {
	if keyID != r.keyID {
		return nil, false
	}
	return r.pub, true
}

// staticArbiterKeyResolver satisfies dispute.KeyResolver for a single
// first-party arbiter operating on this node's own signing key; a
// deployment with a panel of independent arbiters instead resolves keys
// through a registered-arbiter directory keyed by arbiterAgentID.
type staticArbiterKeyResolver struct {
	arbiterAgentID string
	keyID          string
	pub            []byte
}

func (r staticArbiterKeyResolver) ArbiterKeyID(_ context.Context, arbiterAgentID string, _ time.Time) (string, []byte, bool, error) {
	if arbiterAgentID != r.arbiterAgentID {
		return "", nil, false, nil
	}
	return r.keyID, r.pub, true, nil
}

func main() {
	configPath := flag.String("config", "./settld-gate.toml", "path to the gateway config file")
	flag.Parse()

	logger := logging.Setup("settld-gate", os.Getenv("SETTLD_ENV"), "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	priv, err := cfg.SigningKey()
	if err != nil {
		logger.Error("load node signing key", "error", err)
		os.Exit(1)
	}
	pub := priv.Public().(ed25519.PublicKey)
	pubPEM, err := signing.PublicKeyToPEM(pub)
	if err != nil {
		logger.Error("encode node public key", "error", err)
		os.Exit(1)
	}
	keyID := signing.KeyID(pubPEM)

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

	chainStore := store.NewChainlogStore(db)
	walletStore := store.NewWalletStore(db)
	grantStore := store.NewAuthorityStore(db)
	gateStore := store.NewGateStore(db)
	emergencyStore := store.NewEmergencyStore(db)
	settlementStore := store.NewSettlementStore(db)
	disputeStore := store.NewDisputeStore(db)
	disputeWindows := store.NewDisputeWindowStore(settlementStore, gateStore, chainStore)

	events := chainlog.New(chainStore, nil)
	ledger := wallet.New(walletStore)
	grants := authority.New(grantStore)
	controls := emergency.New(emergencyStore)

	decisionVerifier := nooterrapay.NewDecisionVerifier(staticKeyResolver{keyID: keyID, pub: pub}, time.Now)

	gateSvc := gate.New(gate.Deps{
		Store: gateStore, Events: events, Ledger: ledger, Grants: grants,
		Emergency: controls, Agents: controls, WalletIssuer: decisionVerifier,
		Settlements: settlementStore,
		Now:         time.Now,
	})

	disputeOverlay := dispute.New(disputeStore, disputeWindows,
		staticArbiterKeyResolver{arbiterAgentID: cfg.ArbiterAgentID, keyID: keyID, pub: pubPEM},
		ledger, settlementStore)

	jwksPub := jwks.NewPublisher(jwks.Key{KeyID: keyID, PublicKeyPEM: string(pubPEM)}, nil, cfg.JWKSRefreshSec, time.Now)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "settld-gate", MetricsPrefix: "settld", LogRequests: true, Enabled: true,
	}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"create-gate":       {RatePerSecond: 20, Burst: 40},
		"authorize-payment": {RatePerSecond: 20, Burst: 40},
		"verify-gate":       {RatePerSecond: 20, Burst: 40},
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Gates: gateSvc, Disputes: disputeOverlay, JWKSPub: jwksPub, Observability: obs, RateLimiter: limiter,
		CORS: middleware.CORSConfig{AllowedOrigins: cfg.TrustedAudiences}, Logger: logger, Now: time.Now,
	})

	srv := &http.Server{Addr: cfg.ListenAddress, Handler: router}

	go func() {
		logger.Info("settld-gate listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("settld-gate stopped")
}
