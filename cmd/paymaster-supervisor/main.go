package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"aa-relay/go-backend/internal/bundler"
	"aa-relay/go-backend/internal/platform/privacylog"
	"aa-relay/go-backend/internal/policy"
	"aa-relay/go-backend/internal/signer"
	"aa-relay/go-backend/internal/supervisor"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	addr := flag.String("addr", supervisor.DefaultAddr, "HTTP listen address")
	configPath := flag.String("config", "policy.yaml", "Path to the sponsorship policy file")
	keyFile := flag.String("key-file", "", "Path to the encrypted supervisor key file (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("paymaster-supervisor version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := policy.Load(*configPath)
	if err != nil {
		logger.Error("policy load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	signingKey, err := loadSigner(*keyFile)
	if err != nil {
		logger.Error("signer setup failed", "error", err)
		os.Exit(1)
	}

	rpcURL := strings.TrimSpace(os.Getenv("AA_RPC_URL"))
	if rpcURL == "" {
		rpcURL = strings.TrimSpace(os.Getenv("AA_BUNDLER_URL"))
	}
	if rpcURL == "" {
		logger.Error("AA_RPC_URL (or AA_BUNDLER_URL) is required for the balance oracle")
		os.Exit(1)
	}
	oracle := bundler.NewClient(rpcURL, "", nil, 30*time.Second, 0)

	metrics := supervisor.NewMetrics()
	svc := supervisor.NewService(cfg, signingKey, oracle, metrics, logger)
	watcher := policy.NewWatcher(*configPath, cfg, svc.ApplyConfig, logger)
	srv := supervisor.NewServer(*addr, svc, metrics, logger)

	go watcher.Run(ctx)

	logger.Info("paymaster-supervisor starting",
		"addr", *addr,
		"chain_id", cfg.ChainID,
		"paymaster", cfg.Paymaster().Hex(),
		"signer", signingKey.Address().Hex(),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("paymaster-supervisor failed", "error", err)
		os.Exit(1)
	}
	logger.Info("paymaster-supervisor stopped")
}

// loadSigner picks the signing backend: a remote signer when AA_SIGNER_URL is
// set, otherwise a local key from the encrypted key file or AA_SUPERVISOR_KEY.
func loadSigner(keyFile string) (signer.Signer, error) {
	if url := strings.TrimSpace(os.Getenv("AA_SIGNER_URL")); url != "" {
		rawAddr := strings.TrimSpace(os.Getenv("AA_SIGNER_ADDRESS"))
		if !common.IsHexAddress(rawAddr) {
			return nil, fmt.Errorf("AA_SIGNER_ADDRESS must carry the remote signer's address")
		}
		token := strings.TrimSpace(os.Getenv("AA_SIGNER_TOKEN"))
		return signer.NewRemote(url, token, common.HexToAddress(rawAddr), 0), nil
	}
	return signer.LoadLocal(keyFile, os.Getenv("AA_KEY_PASSPHRASE"), "AA_SUPERVISOR_KEY")
}
