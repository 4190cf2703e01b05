package eligibility

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canton "github.com/0xsend/canton-gateway"
	"github.com/0xsend/canton-gateway/config"
)

const (
	testUserID    = "3f0e8a1c-2b4d-4e6f-8a9b-0c1d2e3f4a5b"
	testTokenAddr = "0x3f14920c99BEB920Afa163031c4e47a3e03B3e4A"
	testAccount   = "0x1111111111111111111111111111111111111111"
)

type fakeStore struct {
	dist    *Distribution
	distErr error
	account *SendAccount
	tag     *TagRegistration
	earn    []EarnBalance
	earnErr error

	distCalls    int
	accountCalls int
	tagCalls     int
	earnCalls    int
	lastMaxBlock uint64
}

func (f *fakeStore) ActiveDistribution(context.Context) (*Distribution, error) {
	f.distCalls++
	return f.dist, f.distErr
}

func (f *fakeStore) SendAccount(context.Context, string) (*SendAccount, error) {
	f.accountCalls++
	return f.account, nil
}

func (f *fakeStore) TagRegistration(context.Context, string, int64) (*TagRegistration, error) {
	f.tagCalls++
	return f.tag, nil
}

func (f *fakeStore) EarnBalances(_ context.Context, _ []byte, maxBlock uint64) ([]EarnBalance, error) {
	f.earnCalls++
	f.lastMaxBlock = maxBlock
	return f.earn, f.earnErr
}

type fakeChain struct {
	balance    *big.Int
	balanceErr error
	head       uint64

	balanceCalls int
	headCalls    int
	lastToken    common.Address
	lastAccount  common.Address
	lastBlock    *big.Int
}

func (f *fakeChain) TokenBalanceAt(_ context.Context, token, account common.Address, block *big.Int) (*big.Int, error) {
	f.balanceCalls++
	f.lastToken = token
	f.lastAccount = account
	f.lastBlock = block
	return f.balance, f.balanceErr
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.headCalls++
	return f.head, nil
}

func snapshotPtr(n int64) *int64 { return &n }

func eligibleFixture() (*fakeStore, *fakeChain) {
	store := &fakeStore{
		dist: &Distribution{
			ID:               7,
			Number:           12,
			Name:             "distribution #12",
			SnapshotBlockNum: snapshotPtr(30_000_000),
			ChainID:          8453,
			TokenAddr:        common.HexToAddress(testTokenAddr).Bytes(),
		},
		account: &SendAccount{Address: testAccount, MainTag: "alice"},
		tag:     &TagRegistration{Weight: 1},
		earn: []EarnBalance{
			{LogAddr: common.HexToAddress("0xaaaa000000000000000000000000000000000001").Bytes(), Assets: "2000000000"},
		},
	}
	chain := &fakeChain{balance: sendTokens(3_000), head: 31_000_000}
	return store, chain
}

func prodService(store Store, chain ChainReader) *Service {
	return NewService(store, chain, config.Config{Environment: "production"}, nil)
}

func TestCheckEligibilityRejectsInvalidInput(t *testing.T) {
	store, chain := eligibleFixture()
	svc := prodService(store, chain)

	for _, userID := range []string{"", "   ", "not-a-uuid", "3f0e8a1c2b4d4e6f8a9b0c1d2e3f4a5b"} {
		_, err := svc.CheckEligibility(context.Background(), userID)
		require.Error(t, err, "userID %q", userID)
		assert.Equal(t, canton.ErrCodeInvalidInput, canton.CodeOf(err))
	}

	assert.Zero(t, store.distCalls, "input validation happens before any query")
	assert.Zero(t, chain.balanceCalls)
}

func TestCheckEligibilityAllChecksPass(t *testing.T) {
	store, chain := eligibleFixture()
	svc := prodService(store, chain)

	result, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	assert.True(t, result.Eligible)
	assert.True(t, result.Checks.HasTag.Eligible)
	assert.True(t, result.Checks.HasEarnBalance.Eligible)
	assert.True(t, result.Checks.HasSendBalance.Eligible)
	assert.False(t, result.CheckedAt.IsZero())

	require.NotNil(t, result.Distribution)
	assert.Equal(t, int64(7), result.Distribution.ID)
	assert.Equal(t, uint64(30_000_000), result.Distribution.SnapshotBlock)
}

func TestCheckEligibilityEligibleIsANDOfAllChecks(t *testing.T) {
	store, chain := eligibleFixture()
	store.tag = nil
	svc := prodService(store, chain)

	result, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	assert.False(t, result.Eligible)
	assert.False(t, result.Checks.HasTag.Eligible)
	assert.Equal(t, "No SendTag registered", result.Checks.HasTag.Reason)
	assert.True(t, result.Checks.HasEarnBalance.Eligible)
	assert.True(t, result.Checks.HasSendBalance.Eligible)
}

func TestCheckEligibilityPinsReadsToSnapshotBlock(t *testing.T) {
	store, chain := eligibleFixture()
	svc := prodService(store, chain)

	_, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	assert.Zero(t, chain.headCalls, "a finalized snapshot never consults the chain head")
	assert.Equal(t, uint64(30_000_000), chain.lastBlock.Uint64())
	assert.Equal(t, uint64(30_000_000), store.lastMaxBlock)
	assert.Equal(t, common.HexToAddress(testTokenAddr), chain.lastToken, "raw stored address is canonicalized")
	assert.Equal(t, common.HexToAddress(testAccount), chain.lastAccount)
}

func TestCheckEligibilityFallsBackToChainHead(t *testing.T) {
	store, chain := eligibleFixture()
	store.dist.SnapshotBlockNum = nil
	svc := prodService(store, chain)

	result, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	assert.Equal(t, 1, chain.headCalls)
	assert.Equal(t, uint64(31_000_000), result.Distribution.SnapshotBlock)
	assert.Equal(t, uint64(31_000_000), chain.lastBlock.Uint64())
}

func TestCheckEligibilityNoActiveDistribution(t *testing.T) {
	store, chain := eligibleFixture()
	store.dist = nil
	svc := prodService(store, chain)

	_, err := svc.CheckEligibility(context.Background(), testUserID)
	require.Error(t, err)
	assert.Equal(t, canton.ErrCodeNoActiveDistribution, canton.CodeOf(err))
}

func TestCheckEligibilitySurfacesQueryFailures(t *testing.T) {
	store, chain := eligibleFixture()
	store.distErr = errors.New("connection refused")
	svc := prodService(store, chain)

	_, err := svc.CheckEligibility(context.Background(), testUserID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCheckEligibilityTokenBalanceThreshold(t *testing.T) {
	tests := []struct {
		name     string
		balance  *big.Int
		eligible bool
	}{
		{"at threshold", sendTokens(3_000), true},
		{"above threshold", sendTokens(3_001), true},
		{"below threshold", new(big.Int).Sub(sendTokens(3_000), big.NewInt(1)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, chain := eligibleFixture()
			chain.balance = tt.balance
			svc := prodService(store, chain)

			result, err := svc.CheckEligibility(context.Background(), testUserID)
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, result.Checks.HasSendBalance.Eligible)
		})
	}
}

func TestCheckEligibilityEarnBalanceSumsLatestPerVault(t *testing.T) {
	store, chain := eligibleFixture()
	vaultA := common.HexToAddress("0xaaaa000000000000000000000000000000000001").Bytes()
	vaultB := common.HexToAddress("0xbbbb000000000000000000000000000000000002").Bytes()
	// Newest first: stale rows for the same vault must be ignored.
	store.earn = []EarnBalance{
		{LogAddr: vaultA, Assets: "1500000000"},
		{LogAddr: vaultB, Assets: "500000000"},
		{LogAddr: vaultA, Assets: "9000000000"},
	}
	svc := prodService(store, chain)

	result, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	check := result.Checks.HasEarnBalance
	assert.True(t, check.Eligible)
	assert.Equal(t, "2000000000", check.Metadata["actualBalance"])
	assert.Equal(t, 2, check.Metadata["vaultCount"])
}

func TestCheckEligibilityWithoutSendAccount(t *testing.T) {
	store, chain := eligibleFixture()
	store.account = nil
	svc := prodService(store, chain)

	result, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	assert.False(t, result.Eligible)
	assert.Equal(t, "No Send account found for user", result.Checks.HasEarnBalance.Reason)
	assert.Equal(t, "No Send account found for user", result.Checks.HasSendBalance.Reason)
	assert.Zero(t, chain.balanceCalls, "no chain read without an account")
	assert.Zero(t, store.earnCalls)
}

func TestCheckEligibilityCachesVerdict(t *testing.T) {
	store, chain := eligibleFixture()
	svc := prodService(store, chain)

	first, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)
	second, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	assert.Same(t, first, second, "cached verdicts are returned as-is, CheckedAt included")
	assert.Equal(t, 1, chain.balanceCalls, "the fast path issues no chain call")
	assert.Equal(t, 1, store.distCalls, "the fast path issues no relational call")
}

func TestCheckEligibilityDoesNotCacheFailures(t *testing.T) {
	store, chain := eligibleFixture()
	chain.balanceErr = errors.New("rpc timeout")
	svc := prodService(store, chain)

	_, err := svc.CheckEligibility(context.Background(), testUserID)
	require.Error(t, err)

	chain.balanceErr = nil
	result, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, result.Eligible)
	assert.Equal(t, 2, chain.balanceCalls)
}

func TestClearCacheForcesRecomputation(t *testing.T) {
	store, chain := eligibleFixture()
	svc := prodService(store, chain)

	_, err := svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)

	svc.ClearCache()

	_, err = svc.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, 2, chain.balanceCalls)
}

func TestThresholdsFollowRuntimeEnvironment(t *testing.T) {
	// 100 SEND and 10 USDC: enough for development, not for production.
	store, chain := eligibleFixture()
	chain.balance = sendTokens(100)
	store.earn = []EarnBalance{
		{LogAddr: common.HexToAddress("0xaaaa000000000000000000000000000000000001").Bytes(), Assets: "10000000"},
	}

	dev := NewService(store, chain, config.Config{Environment: "development"}, nil)
	result, err := dev.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, result.Checks.HasSendBalance.Eligible)
	assert.True(t, result.Checks.HasEarnBalance.Eligible)

	prod := NewService(store, chain, config.Config{Environment: "production"}, nil)
	result, err = prod.CheckEligibility(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, result.Checks.HasSendBalance.Eligible)
	assert.False(t, result.Checks.HasEarnBalance.Eligible)
}
