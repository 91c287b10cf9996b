package settlementd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stakepool/observability/logging"
	"stakepool/services/settlementd/audit"
	"stakepool/services/settlementd/auth"
	"stakepool/services/settlementd/chain"
	"stakepool/services/settlementd/engine"
	"stakepool/services/settlementd/escrow"
	"stakepool/services/settlementd/models"
	"stakepool/services/settlementd/store"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("STAKEPOOL_ENV"))
	logger := logging.Setup("settlementd", env)

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	st := store.New(db)

	evm, err := chain.DialEVMClient(cfg.Chain.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("dial evm rpc: %w", err)
	}
	defer evm.Close()

	signerKey, err := gethcrypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.SignerKey, "0x"))
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}
	chainID := new(big.Int).SetUint64(cfg.Chain.ChainID)
	contract, err := escrow.NewClient(evm, common.HexToAddress(cfg.Chain.EscrowAddress), signerKey, chainID)
	if err != nil {
		return fmt.Errorf("bind escrow contract: %w", err)
	}
	verifier := chain.NewPaymentVerifier(evm, chainID)
	auditor := audit.NewRecorder(st, logger)

	eng := engine.New(st, evm, contract, verifier,
		engine.WithAuditor(auditor),
		engine.WithMetrics(NewMetrics()),
		engine.WithLogger(logger),
		engine.WithLockTTL(cfg.LockTTL.Duration),
		engine.WithPollInterval(cfg.PollInterval.Duration),
		engine.WithReceiptTimeout(cfg.ReceiptTimeout.Duration),
	)

	credentials := make(map[string]auth.Credential, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		credentials[key.Key] = auth.Credential{
			Secret: key.Secret,
			Role:   auth.Role(strings.ToLower(strings.TrimSpace(key.Role))),
		}
	}
	authenticator := auth.NewAuthenticator(credentials, cfg.AuthSkew.Duration, cfg.NonceTTL.Duration, nil)
	limiter := NewRateLimiter(cfg.RateLimit)

	server := NewServer(eng, authenticator, limiter, logger)
	httpServer := timeoutsFor(cfg.ListenAddress, server)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Printf("settlementd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
