package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"aa-relay/go-backend/internal/policy"
	"aa-relay/go-backend/internal/signer"
	"aa-relay/go-backend/internal/userop"
	"aa-relay/go-backend/pkg/models"
)

// BalanceOracle reports the paymaster contract's live balance. Implementations
// typically go over the network, so the service never calls it while holding
// the spend lock.
type BalanceOracle interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Rejection is a policy refusal with one of the fixed reason codes. It maps to
// HTTP 422; backend faults (oracle, signer) stay ordinary errors and map to 5xx.
type Rejection struct {
	Reason string
	Detail string
}

func (e *Rejection) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

type daySpend struct {
	day string
	wei uint64
}

// Service decides, per request, whether the paymaster co-signs a sponsorship.
// The policy snapshot and the org spend map share one mutex; every critical
// section is O(1) arithmetic.
type Service struct {
	signer  signer.Signer
	oracle  BalanceOracle
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	cfg   *policy.Config
	spend map[string]*daySpend

	now func() time.Time // test hook
}

func NewService(cfg *policy.Config, s signer.Signer, oracle BalanceOracle, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		signer:  s,
		oracle:  oracle,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		spend:   make(map[string]*daySpend),
		now:     time.Now,
	}
}

// ApplyConfig swaps in a new policy snapshot and clears all per-organization
// spend state. Clearing on every reload is deliberate: a reload is treated as
// a trust-boundary reset.
func (s *Service) ApplyConfig(cfg *policy.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.spend = make(map[string]*daySpend)
}

// Config returns the current policy snapshot.
func (s *Service) Config() *policy.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Sponsor validates a sponsorship request and, when every check passes, signs
// it. Check order is fixed; the first failure determines the reason code. The
// org's spend is incremented only after a successful sign, under the same lock
// as the final affordability check.
func (s *Service) Sponsor(ctx context.Context, op *userop.UserOperation, sponsorCtx map[string]string) (*models.SponsorshipDecision, error) {
	cfg := s.Config()

	cost, err := parseCost(sponsorCtx["estimated_cost_wei"])
	if err != nil {
		return nil, s.reject(&Rejection{Reason: models.ReasonMissingCost, Detail: err.Error()})
	}

	if err := s.checkWhitelist(cfg, op, sponsorCtx["target"]); err != nil {
		return nil, s.reject(err)
	}

	totalGas, err := op.TotalGasLimit()
	if err != nil {
		return nil, fmt.Errorf("malformed user operation: %w", err)
	}
	if totalGas.Cmp(new(big.Int).SetUint64(cfg.MaxUserOperationGas)) > 0 {
		return nil, s.reject(&Rejection{
			Reason: models.ReasonGasCapExceeded,
			Detail: fmt.Sprintf("operation gas %s exceeds ceiling %d", totalGas, cfg.MaxUserOperationGas),
		})
	}

	org := orgKey(sponsorCtx)
	if err := s.checkOrgBudget(cfg, org, cost); err != nil {
		return nil, s.reject(err)
	}

	// The oracle may hit the network; it must run outside the spend lock or
	// every sponsorship decision serializes behind it.
	balance, err := s.oracle.Balance(ctx, cfg.Paymaster())
	if err != nil {
		return nil, fmt.Errorf("paymaster balance lookup: %w", err)
	}
	if balance.Cmp(new(big.Int).SetUint64(cfg.BalanceThresholdWei)) < 0 {
		return nil, s.reject(&Rejection{
			Reason: models.ReasonInsufficientBalance,
			Detail: fmt.Sprintf("balance %s below threshold %d", balance, cfg.BalanceThresholdWei),
		})
	}

	digest := sponsorshipDigest(cfg.ChainID, cfg.Paymaster(), op)
	sig, err := s.signer.Sign(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("sign sponsorship: %w", err)
	}

	// Re-check affordability and commit under one critical section: two
	// concurrent requests must not both pass a check only one can afford.
	if err := s.commitSpend(cfg, org, cost); err != nil {
		return nil, s.reject(err)
	}

	paymasterAndData := hexutil.Encode(append(cfg.Paymaster().Bytes(), sig...))
	s.metrics.SponsoredInc()
	s.logger.Info("sponsorship signed",
		"org_id", org,
		"correlation_id", sponsorCtx["correlation_id"],
		"estimated_cost_wei", cost,
	)
	return &models.SponsorshipDecision{
		Paymaster:        cfg.Paymaster().Hex(),
		PaymasterAndData: paymasterAndData,
	}, nil
}

func (s *Service) checkWhitelist(cfg *policy.Config, op *userop.UserOperation, rawTarget string) error {
	selector, ok := op.CallSelector()
	if !ok {
		return &Rejection{Reason: models.ReasonMethodNotAllowed, Detail: "call data carries no selector"}
	}
	if !common.IsHexAddress(rawTarget) {
		return &Rejection{Reason: models.ReasonMethodNotAllowed, Detail: "sponsor context carries no valid target"}
	}
	target := common.HexToAddress(rawTarget)
	if !cfg.Allows(target, selector) {
		return &Rejection{
			Reason: models.ReasonMethodNotAllowed,
			Detail: fmt.Sprintf("%s selector %s not whitelisted", target.Hex(), hexutil.Encode(selector[:])),
		}
	}
	return nil
}

// checkOrgBudget is the cheap early rejection; commitSpend re-checks before
// applying, so a request that slips past here concurrently still cannot
// overspend.
func (s *Service) checkOrgBudget(cfg *policy.Config, org string, cost uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orgBudgetLocked(cfg, org, cost)
}

func (s *Service) commitSpend(cfg *policy.Config, org string, cost uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.orgBudgetLocked(cfg, org, cost); err != nil {
		return err
	}
	day := s.today()
	sp, ok := s.spend[org]
	if !ok || sp.day != day {
		sp = &daySpend{day: day}
		s.spend[org] = sp
	}
	sp.wei += cost
	return nil
}

func (s *Service) orgBudgetLocked(cfg *policy.Config, org string, cost uint64) error {
	limit := cfg.DailyCapFor(org)
	if limit == 0 {
		return nil
	}
	var used uint64
	if sp, ok := s.spend[org]; ok && sp.day == s.today() {
		used = sp.wei
	}
	if used+cost > limit {
		return &Rejection{
			Reason: models.ReasonOrgCapExceeded,
			Detail: fmt.Sprintf("org %s spend %d + %d exceeds daily cap %d", org, used, cost, limit),
		}
	}
	return nil
}

// SpentToday returns the org's spend for the current day.
func (s *Service) SpentToday(org string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.spend[org]; ok && sp.day == s.today() {
		return sp.wei
	}
	return 0
}

// Health reports readiness derived from the paymaster's balance against the
// configured threshold.
type Health struct {
	Status    string `json:"status"`
	Balance   string `json:"balance"`
	Threshold uint64 `json:"threshold"`
	ChainID   uint64 `json:"chainId"`
	Paymaster string `json:"paymaster"`
}

func (s *Service) Health(ctx context.Context) (*Health, error) {
	cfg := s.Config()
	balance, err := s.oracle.Balance(ctx, cfg.Paymaster())
	if err != nil {
		return nil, fmt.Errorf("paymaster balance lookup: %w", err)
	}
	status := "ok"
	if balance.Cmp(new(big.Int).SetUint64(cfg.BalanceThresholdWei)) < 0 {
		status = "degraded"
	}
	return &Health{
		Status:    status,
		Balance:   balance.String(),
		Threshold: cfg.BalanceThresholdWei,
		ChainID:   cfg.ChainID,
		Paymaster: cfg.Paymaster().Hex(),
	}, nil
}

func (s *Service) reject(err error) error {
	if rej, ok := err.(*Rejection); ok {
		s.metrics.RejectedInc(rej.Reason)
		s.logger.Info("sponsorship rejected", "reason", rej.Reason, "detail", rej.Detail)
	}
	return err
}

func (s *Service) today() string {
	return s.now().UTC().Format("2006-01-02")
}

// sponsorshipDigest binds the signature to this chain, this paymaster and the
// exact operation contents.
func sponsorshipDigest(chainID uint64, paymaster common.Address, op *userop.UserOperation) []byte {
	var chainBytes [8]byte
	for i := 0; i < 8; i++ {
		chainBytes[7-i] = byte(chainID >> (8 * i))
	}
	opDigest := op.Digest()
	return crypto.Keccak256(chainBytes[:], paymaster.Bytes(), opDigest.Bytes())
}

func parseCost(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("estimated_cost_wei is missing")
	}
	cost, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("estimated_cost_wei %q is not a positive integer", raw)
	}
	if cost == 0 {
		return 0, fmt.Errorf("estimated_cost_wei must be positive")
	}
	return cost, nil
}

func orgKey(sponsorCtx map[string]string) string {
	if org := sponsorCtx["org_id"]; org != "" {
		return org
	}
	return models.OrgPlaceholder
}
