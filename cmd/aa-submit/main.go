package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"aa-relay/go-backend/internal/executor"
	"aa-relay/go-backend/internal/platform/privacylog"
	"aa-relay/go-backend/pkg/models"
)

func main() {
	to := flag.String("to", "", "Target contract address (required)")
	data := flag.String("data", "0x", "Hex-encoded call data")
	value := flag.String("value", "0", "Value in wei (decimal)")
	gas := flag.Uint64("gas", 0, "Explicit call gas limit (0 = configured buffer)")
	org := flag.String("org", "", "Organization id for budgeting and sponsorship")
	intent := flag.String("intent", "manual", "Intent type recorded in the execution context")
	correlation := flag.String("correlation-id", "", "Correlation id (generated when empty)")
	flag.Parse()

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	if strings.TrimSpace(*to) == "" {
		fmt.Fprintln(os.Stderr, "aa-submit: -to is required")
		flag.Usage()
		os.Exit(2)
	}
	valueWei, ok := new(big.Int).SetString(strings.TrimSpace(*value), 10)
	if !ok {
		fmt.Fprintf(os.Stderr, "aa-submit: -value %q is not a decimal integer\n", *value)
		os.Exit(2)
	}

	cfg, err := executor.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aa-submit: %v\n", err)
		os.Exit(1)
	}
	exec, err := executor.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aa-submit: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := models.TransactionRequest{
		To:       *to,
		Data:     *data,
		Value:    valueWei,
		GasLimit: *gas,
	}
	ectx := models.ExecutionContext{
		OrgID:         *org,
		IntentType:    *intent,
		CorrelationID: *correlation,
	}

	res, err := exec.Execute(ctx, req, ectx)
	if res != nil {
		out, merr := json.MarshalIndent(res, "", "  ")
		if merr == nil {
			fmt.Println(string(out))
		}
	}
	if err != nil {
		if errors.Is(err, executor.ErrReceiptTimeout) {
			fmt.Fprintf(os.Stderr, "aa-submit: no receipt within %s; reconcile by userOpHash\n", exec.WaitForReceiptTimeout())
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "aa-submit: %v\n", err)
		os.Exit(1)
	}
}
