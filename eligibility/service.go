// Package eligibility decides whether a user qualifies for a priority token.
// The verdict blends relational lookups with one on-chain balance read pinned
// to the active distribution's snapshot block, and is cached per user.
package eligibility

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	canton "github.com/0xsend/canton-gateway"
	"github.com/0xsend/canton-gateway/config"
)

// cacheTTL bounds how long a verdict is served without recomputation.
const cacheTTL = time.Hour

// Balance thresholds. Earn balances are USDC (6 decimals), token balances are
// SEND (18 decimals). Development thresholds are relaxed so localnet accounts
// qualify without seeding mainnet-sized balances.
var (
	prodMinEarnBalance = usdc(2_000)
	prodMinSendBalance = sendTokens(3_000)
	devMinEarnBalance  = usdc(10)
	devMinSendBalance  = sendTokens(100)
)

func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

func sendTokens(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// Service computes and caches per-user eligibility verdicts.
type Service struct {
	store Store
	chain ChainReader
	cache *verdictCache
	log   *zap.Logger
	now   func() time.Time

	minEarnBalance *big.Int
	minSendBalance *big.Int
}

// NewService builds an evaluator. Thresholds are selected by the configured
// runtime environment, never by caller input.
func NewService(store Store, chain ChainReader, cfg config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	minEarn, minSend := devMinEarnBalance, devMinSendBalance
	if cfg.IsProduction() {
		minEarn, minSend = prodMinEarnBalance, prodMinSendBalance
	}
	return &Service{
		store:          store,
		chain:          chain,
		cache:          newVerdictCache(cacheTTL),
		log:            log.Named("canton.eligibility"),
		now:            time.Now,
		minEarnBalance: minEarn,
		minSendBalance: minSend,
	}
}

// CheckEligibility computes the verdict for userID, serving a cached one when
// present. The cached fast path issues no relational or chain calls. Failures
// are never cached.
func (s *Service) CheckEligibility(ctx context.Context, userID string) (*canton.EligibilityResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, canton.NewGatewayError(canton.ErrCodeInvalidInput, "user ID is required")
	}
	if _, err := uuid.Parse(userID); err != nil || len(userID) != 36 {
		return nil, canton.NewGatewayError(canton.ErrCodeInvalidInput, "invalid user ID format")
	}

	if cached, ok := s.cache.get(userID); ok {
		s.log.Debug("eligibility cache hit", zap.String("user_id", userID))
		return cached, nil
	}

	dist, err := s.store.ActiveDistribution(ctx)
	if err != nil {
		return nil, err
	}
	if dist == nil {
		return nil, canton.NewGatewayError(canton.ErrCodeNoActiveDistribution, "no active distribution found")
	}

	snapshotBlock, err := s.resolveSnapshotBlock(ctx, dist)
	if err != nil {
		return nil, err
	}
	s.log.Debug("evaluating eligibility",
		zap.String("user_id", userID),
		zap.String("distribution", dist.Name),
		zap.Uint64("snapshot_block", snapshotBlock))

	account, err := s.store.SendAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	var hasTag, hasEarn, hasSend canton.EligibilityCheck
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hasTag, err = s.checkTagOwnership(gctx, userID, dist.ID)
		return err
	})
	g.Go(func() error {
		var err error
		hasEarn, err = s.checkEarnBalance(gctx, account, snapshotBlock)
		return err
	})
	g.Go(func() error {
		var err error
		hasSend, err = s.checkTokenBalance(gctx, account, dist.TokenAddr, snapshotBlock)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &canton.EligibilityResult{
		Eligible:  hasTag.Eligible && hasEarn.Eligible && hasSend.Eligible,
		CheckedAt: s.now(),
		Checks: canton.EligibilityChecks{
			HasTag:         hasTag,
			HasEarnBalance: hasEarn,
			HasSendBalance: hasSend,
		},
		Distribution: &canton.DistributionSummary{
			ID:            dist.ID,
			Number:        dist.Number,
			Name:          dist.Name,
			SnapshotBlock: snapshotBlock,
		},
	}

	s.cache.put(userID, result)

	s.log.Debug("eligibility check complete",
		zap.String("user_id", userID),
		zap.Bool("eligible", result.Eligible))
	return result, nil
}

// ClearCache drops all cached verdicts for all users.
func (s *Service) ClearCache() {
	s.cache.clear()
}

// resolveSnapshotBlock prefers the distribution's finalized snapshot block.
// Distributions without one (test and dev environments) fall back to the
// chain head at evaluation time.
func (s *Service) resolveSnapshotBlock(ctx context.Context, dist *Distribution) (uint64, error) {
	if dist.SnapshotBlockNum != nil && *dist.SnapshotBlockNum > 0 {
		return uint64(*dist.SnapshotBlockNum), nil
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, canton.Errorf(canton.ErrCodeUpstream, "fetch current block number: %v", err)
	}
	return head, nil
}

func (s *Service) checkTagOwnership(ctx context.Context, userID string, distributionID int64) (canton.EligibilityCheck, error) {
	reg, err := s.store.TagRegistration(ctx, userID, distributionID)
	if err != nil {
		return canton.EligibilityCheck{}, err
	}
	if reg == nil {
		return canton.EligibilityCheck{
			Eligible: false,
			Reason:   "No SendTag registered",
		}, nil
	}
	return canton.EligibilityCheck{
		Eligible: true,
		Reason:   "User has registered SendTag",
		Metadata: map[string]any{"weight": reg.Weight},
	}, nil
}

func (s *Service) checkEarnBalance(ctx context.Context, account *SendAccount, snapshotBlock uint64) (canton.EligibilityCheck, error) {
	if account == nil {
		return s.noAccountCheck(s.minEarnBalance), nil
	}

	owner, err := parseAccountAddress(account.Address)
	if err != nil {
		return canton.EligibilityCheck{}, err
	}

	rows, err := s.store.EarnBalances(ctx, owner.Bytes(), snapshotBlock)
	if err != nil {
		return canton.EligibilityCheck{}, err
	}

	// Rows arrive newest first; the first row per vault is its balance as of
	// the snapshot.
	vaults := make(map[string]*big.Int)
	for _, row := range rows {
		key := common.BytesToAddress(row.LogAddr).Hex()
		if _, seen := vaults[key]; seen {
			continue
		}
		assets, ok := new(big.Int).SetString(row.Assets, 10)
		if !ok {
			assets = big.NewInt(0)
		}
		vaults[key] = assets
	}

	total := new(big.Int)
	for _, assets := range vaults {
		total.Add(total, assets)
	}

	eligible := total.Cmp(s.minEarnBalance) >= 0
	reason := "Send Earn balance below minimum requirement"
	if eligible {
		reason = "Send Earn balance meets minimum requirement"
	}
	return canton.EligibilityCheck{
		Eligible: eligible,
		Reason:   reason,
		Metadata: map[string]any{
			"actualBalance":   total.String(),
			"requiredBalance": s.minEarnBalance.String(),
			"vaultCount":      len(vaults),
		},
	}, nil
}

func (s *Service) checkTokenBalance(ctx context.Context, account *SendAccount, tokenAddr []byte, snapshotBlock uint64) (canton.EligibilityCheck, error) {
	if account == nil {
		return s.noAccountCheck(s.minSendBalance), nil
	}

	owner, err := parseAccountAddress(account.Address)
	if err != nil {
		return canton.EligibilityCheck{}, err
	}

	token := common.BytesToAddress(tokenAddr)
	balance, err := s.chain.TokenBalanceAt(ctx, token, owner, new(big.Int).SetUint64(snapshotBlock))
	if err != nil {
		return canton.EligibilityCheck{}, canton.Errorf(canton.ErrCodeUpstream, "token balance read failed: %v", err)
	}

	eligible := balance.Cmp(s.minSendBalance) >= 0
	reason := "SEND token balance below minimum requirement"
	if eligible {
		reason = "SEND token balance meets minimum requirement"
	}
	return canton.EligibilityCheck{
		Eligible: eligible,
		Reason:   reason,
		Metadata: map[string]any{
			"actualBalance":   balance.String(),
			"requiredBalance": s.minSendBalance.String(),
		},
	}, nil
}

func (s *Service) noAccountCheck(required *big.Int) canton.EligibilityCheck {
	return canton.EligibilityCheck{
		Eligible: false,
		Reason:   "No Send account found for user",
		Metadata: map[string]any{
			"actualBalance":   "0",
			"requiredBalance": required.String(),
		},
	}
}

func parseAccountAddress(address string) (common.Address, error) {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("invalid send account address: %q", address)
	}
	return common.HexToAddress(address), nil
}
