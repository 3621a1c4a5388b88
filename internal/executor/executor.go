package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"aa-relay/go-backend/internal/bundler"
	"aa-relay/go-backend/internal/gasbudget"
	"aa-relay/go-backend/internal/paymaster"
	"aa-relay/go-backend/internal/sessionkey"
	"aa-relay/go-backend/internal/signer"
	"aa-relay/go-backend/internal/userop"
	"aa-relay/go-backend/pkg/models"
)

// ErrReceiptTimeout means the operation was submitted but no inclusion receipt
// arrived in time. The reservation is released; the operation may still land
// on chain later, so callers should reconcile by user operation hash.
var ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")

// Result is the outcome of one executed transaction request.
type Result struct {
	UserOperation *userop.UserOperation        `json:"userOperation"`
	UserOpHash    string                       `json:"userOpHash"`
	TxHash        string                       `json:"transactionHash,omitempty"`
	Receipt       *models.UserOperationReceipt `json:"receipt,omitempty"`
	Sponsored     bool                         `json:"sponsored"`
}

// Executor drives one transaction request end to end: session key derivation,
// operation building, gas budgeting, sponsorship, submission and receipt
// tracking.
type Executor struct {
	cfg      *Config
	deriver  *sessionkey.Deriver
	builder  *userop.Builder
	enforcer *gasbudget.Enforcer
	bundler  *bundler.Client
	sponsor  paymaster.Sponsorer // nil runs unsponsored
	logger   *slog.Logger

	// EstimateGas, when set, supplies a call gas estimate for requests that
	// carry no explicit gas limit.
	EstimateGas func(ctx context.Context, req models.TransactionRequest) (int64, error)
}

// New wires an executor from configuration. It fails only on configuration
// problems; network endpoints are not probed here.
func New(cfg *Config, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deriver, err := sessionkey.NewDeriverFromString(cfg.SessionSecret)
	if err != nil {
		return nil, &ConfigurationError{Field: "AA_SESSION_KEY_SEED", Detail: err.Error()}
	}

	var headers map[string]string
	if cfg.BundlerAuthToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.BundlerAuthToken}
	}

	e := &Executor{
		cfg:     cfg,
		deriver: deriver,
		builder: &userop.Builder{
			VerificationGasLimit: cfg.VerificationGasLimit,
			PreVerificationGas:   cfg.PreVerificationGas,
			CallGasBuffer:        cfg.CallGasBuffer,
		},
		enforcer: gasbudget.NewEnforcer(cfg.MaxGasPerTx, cfg.OrgDailyGasCap, cfg.GlobalDailyGasCap),
		bundler:  bundler.NewClient(cfg.BundlerURL, cfg.EntryPoint, headers, cfg.BundlerTimeout, cfg.ReceiptPollEvery),
		logger:   logger,
	}
	if cfg.PaymasterURL != "" {
		switch cfg.PaymasterMode {
		case "http":
			e.sponsor = paymaster.NewHTTPClient(cfg.PaymasterURL, cfg.PaymasterAuthToken, cfg.SponsorContextExtra, cfg.BundlerTimeout)
		default:
			var pmHeaders map[string]string
			if cfg.PaymasterAuthToken != "" {
				pmHeaders = map[string]string{"Authorization": "Bearer " + cfg.PaymasterAuthToken}
			}
			e.sponsor = paymaster.NewClient(cfg.PaymasterURL, pmHeaders, cfg.SponsorContextExtra, cfg.BundlerTimeout)
		}
	}
	return e, nil
}

// Execute runs one transaction request through the full pipeline. Gas is
// reserved before any network traffic and resolved exactly once: committed
// when the operation lands successfully, released on every other path.
func (e *Executor) Execute(ctx context.Context, req models.TransactionRequest, ectx models.ExecutionContext) (*Result, error) {
	ectx = models.NormalizeExecutionContext(ectx)
	log := e.logger.With("correlation_id", ectx.CorrelationID, "org_id", ectx.OrgKey())

	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("transaction target %q is not a valid address", req.To)
	}
	to := common.HexToAddress(req.To)
	callData, err := hexutil.Decode(normalizeData(req.Data))
	if err != nil {
		return nil, fmt.Errorf("transaction call data is not valid hex: %w", err)
	}

	sessionSigner, err := e.deriver.Derive(ectx, to, callData)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	gasEstimate := int64(0)
	if req.GasLimit == 0 && e.EstimateGas != nil {
		gasEstimate, err = e.EstimateGas(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	op, err := e.builder.Build(ctx, req, gasEstimate, sessionSigner)
	if err != nil {
		return nil, err
	}
	totalGas, err := op.TotalGasLimit()
	if err != nil {
		return nil, err
	}
	if !totalGas.IsUint64() {
		return nil, &gasbudget.PolicyRejection{
			Reason: models.ReasonExecutorPolicy,
			Detail: "operation gas does not fit a 64-bit budget",
		}
	}

	// Reserve before any bundler traffic; a rejected request must leave no
	// trace upstream.
	reservation, err := e.enforcer.Reserve(ectx.OrgKey(), totalGas.Uint64())
	if err != nil {
		log.Info("gas reservation refused", "error", err)
		return nil, err
	}
	// Cancel is a no-op once the reservation is resolved, so the deferred call
	// releases the budget on every failure path without double counting.
	defer reservation.Cancel()

	result := &Result{UserOperation: op}
	if e.sponsor != nil {
		sponsored, err := e.attachSponsorship(ctx, op, ectx, req.To, totalGas, sessionSigner)
		if err != nil {
			return nil, err
		}
		result.Sponsored = sponsored
	}

	opHash, err := e.bundler.SubmitUserOperation(ctx, op)
	if err != nil {
		if bundler.IsSimulationError(err) {
			log.Warn("bundler simulation rejected operation", "error", err)
		}
		return nil, fmt.Errorf("submit user operation: %w", err)
	}
	result.UserOpHash = opHash
	log.Info("user operation submitted", "user_op_hash", opHash, "sponsored", result.Sponsored)

	receipt, err := e.bundler.PollReceipt(ctx, opHash, e.cfg.ReceiptWaitTimeout)
	if err != nil {
		return result, fmt.Errorf("poll receipt: %w", err)
	}
	if receipt == nil {
		return result, ErrReceiptTimeout
	}
	result.Receipt = receipt
	result.TxHash = receipt.TransactionHash
	if !receipt.Success {
		return result, fmt.Errorf("user operation %s reverted on chain", opHash)
	}

	reservation.Commit()
	log.Info("user operation included", "tx_hash", receipt.TransactionHash)
	return result, nil
}

// attachSponsorship asks the paymaster to co-sign. A paymaster rejection is
// fatal only when sponsorship is mandatory; otherwise the operation proceeds
// self-funded.
func (e *Executor) attachSponsorship(ctx context.Context, op *userop.UserOperation, ectx models.ExecutionContext, target string, totalGas *big.Int, s signer.Signer) (bool, error) {
	cost := estimatedCostWei(totalGas, op)
	sctx := paymaster.SponsorContext(ectx, target, cost)

	sp, err := e.sponsor.Sponsor(ctx, op, sctx)
	if err != nil {
		var rej *paymaster.Rejection
		if errors.As(err, &rej) && !e.cfg.RequireSponsorship {
			e.logger.Warn("sponsorship declined; continuing self-funded",
				"correlation_id", ectx.CorrelationID, "reason", rej.Message)
			return false, nil
		}
		return false, err
	}

	decision := models.SponsorshipDecision{
		Paymaster:        sp.Paymaster,
		PaymasterAndData: sp.PaymasterAndData,
	}
	if err := userop.AttachSponsorship(ctx, op, decision, sp.Overrides, s); err != nil {
		return false, err
	}
	return true, nil
}

// estimatedCostWei is totalGas * maxFeePerGas, saturated at uint64.
func estimatedCostWei(totalGas *big.Int, op *userop.UserOperation) uint64 {
	maxFee, err := hexutil.DecodeBig(op.MaxFeePerGas)
	if err != nil {
		return 0
	}
	cost := new(big.Int).Mul(totalGas, maxFee)
	if !cost.IsUint64() {
		return ^uint64(0)
	}
	return cost.Uint64()
}

func normalizeData(data string) string {
	if data == "" {
		return "0x"
	}
	return data
}

// WaitForReceiptTimeout exposes the configured receipt window, mostly for
// operator tooling output.
func (e *Executor) WaitForReceiptTimeout() time.Duration {
	return e.cfg.ReceiptWaitTimeout
}
