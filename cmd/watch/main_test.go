package main

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-flowwatch/internal/config"
	"solana-flowwatch/internal/discovery"
	"solana-flowwatch/internal/solana/stub"
)

func TestResolvePrograms(t *testing.T) {
	ids, kinds, err := resolvePrograms([]string{"PumpFun", "raydium", discovery.JupiterV6, "pumpfun"})
	require.NoError(t, err)

	assert.Equal(t, []string{discovery.PumpFun, discovery.RaydiumAMMV4, discovery.JupiterV6}, ids)
	assert.Equal(t, []discovery.Kind{discovery.KindTokenCreate, discovery.KindPoolInit, discovery.KindTokenCreate}, kinds)

	_, _, err = resolvePrograms([]string{"orca"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestResolveKinds(t *testing.T) {
	cfg := config.Default()

	kinds, err := resolveKinds(&cfg, []discovery.Kind{discovery.KindPoolInit})
	require.NoError(t, err)
	assert.Equal(t, []discovery.Kind{discovery.KindPoolInit}, kinds)

	cfg.Stream.Kinds = []string{"token_create"}
	kinds, err = resolveKinds(&cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []discovery.Kind{discovery.KindTokenCreate}, kinds)

	cfg.Stream.Kinds = []string{"airdrop"}
	_, err = resolveKinds(&cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg.Watch.Mode = config.ModePoll
	kinds, err = resolveKinds(&cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []discovery.Kind{discovery.KindWalletTransfer}, kinds)
}

func TestSubscriptionFor(t *testing.T) {
	logger, hook := test.NewNullLogger()

	sub := subscriptionFor("", []string{discovery.PumpFun}, logger)
	assert.Equal(t, []string{discovery.PumpFun}, sub.Filter.Mentions)
	assert.Empty(t, hook.Entries)

	sub = subscriptionFor("processed", []string{discovery.PumpFun, discovery.RaydiumAMMV4}, logger)
	assert.Empty(t, sub.Filter.Mentions)
	assert.Equal(t, "processed", sub.Commitment)
	assert.Len(t, hook.Entries, 1)
}

func TestBuildPolicy(t *testing.T) {
	cfg := config.Default()
	rpc := stub.NewRPCClient()

	chain, err := buildPolicy(&cfg, rpc)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len(), "authority check only")

	cfg.Policy.BlockedSuffixes = []string{"pump"}
	chain, err = buildPolicy(&cfg, rpc)
	require.NoError(t, err)
	assert.Equal(t, 2, chain.Len())

	cfg.Policy.MintAuthority = "ignore"
	cfg.Policy.FreezeAuthority = "allow"
	chain, err = buildPolicy(&cfg, rpc)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len(), "an inactive authority check is left out")

	cfg.Policy.MintAuthority = "maybe"
	_, err = buildPolicy(&cfg, rpc)
	assert.Error(t, err)
}
