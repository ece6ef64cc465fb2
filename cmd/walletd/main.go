package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/internal/config"
	"github.com/moonguard/moonguard/pkg/api"
	"github.com/moonguard/moonguard/pkg/app"
	"github.com/moonguard/moonguard/pkg/authorizer"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/guardian"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/proposal"
	"github.com/moonguard/moonguard/pkg/wallet"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

func main() {
	cfg := config.Load()
	log := app.Logger(cfg.App.LogLevel)
	defer log.Sync()

	docs, err := docstore.NewBadgerStore(cfg.Storage.BadgerPath)
	if err != nil {
		log.Fatal("open storage", zap.Error(err))
	}
	defer docs.Close()

	rpc := ledger.NewRPCClient(cfg.Ledger.Endpoint, log)
	authn := webauthn.NewBridgeAuthenticator(cfg.Authenticator.AgentEndpoint, log)
	credentials := credential.NewAuthority(docs, authn, log)

	az, err := authorizer.New(cfg.Ledger.ProgramID, cfg.FeePayer(), rpc, credentials, log)
	if err != nil {
		log.Fatal("init authorizer", zap.Error(err))
	}

	proposals := proposal.NewStore(docs, rpc, cfg.Ledger.ProgramID, log)
	wallets := wallet.NewService(docs, credentials, authn, az, rpc, cfg.Ledger.ProgramID, log)
	guardians := guardian.NewService(docs, credentials, authn, az, rpc, cfg.Ledger.ProgramID, log)

	mux := http.NewServeMux()
	handler := api.NewHandler(wallets, guardians, proposals, az, credentials,
		ledger.Commitment(cfg.Ledger.Commitment), log)
	handler.Register(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	app.Serve(log,
		&http.Server{Addr: fmt.Sprintf(":%v", cfg.API.Port), Handler: mux},
		&http.Server{Addr: fmt.Sprintf(":%v", cfg.App.MetricsPort), Handler: metricsMux},
	)
}
