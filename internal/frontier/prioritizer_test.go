package frontier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
)

func acct(b byte) ledger.Account {
	var a ledger.Account
	a[0] = b
	return a
}

func TestPrioritizeFrontiersOverwrite(t *testing.T) {
	p := New(nil, 2, nil, log.NewNopLogger(), metrics.NewDiscard(), 0)

	p.Update(acct(1), 10, 0) // uncemented 10
	p.Update(acct(2), 20, 0) // uncemented 20
	_, n := p.Len()
	require.Equal(t, 2, n)

	// Collection full at cap 2; a newcomer with a lower count than the
	// current worst (10) must be rejected outright.
	p.Update(acct(3), 5, 0)
	_, w3 := p.Contains(acct(3))
	require.False(t, w3)

	// A newcomer whose count strictly exceeds the worst member (10) evicts
	// it.
	p.Update(acct(4), 15, 0)
	_, w1 := p.Contains(acct(1))
	require.False(t, w1, "account 1 (count 10) should have been evicted")
	_, w4 := p.Contains(acct(4))
	require.True(t, w4)
	_, n = p.Len()
	require.Equal(t, 2, n)
}

type walletOf struct{ a ledger.Account }

func (w walletOf) Contains(a ledger.Account) bool { return a == w.a }

func TestPrioritizerMutualExclusion(t *testing.T) {
	a := acct(7)
	p := New(nil, 4, walletOf{a: a}, log.NewNopLogger(), metrics.NewDiscard(), 0)

	p.Update(a, 10, 0)
	wallet, nonWallet := p.Contains(a)
	require.True(t, wallet)
	require.False(t, nonWallet)

	// If the account's wallet membership changes (simulated by swapping the
	// WalletSet), a subsequent Update must move it rather than leave it in
	// both collections.
	p.wallets = walletOf{a: acct(99)}
	p.Update(a, 12, 0)
	wallet, nonWallet = p.Contains(a)
	require.False(t, wallet)
	require.True(t, nonWallet)
}
