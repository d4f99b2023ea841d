package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanocurrency/nanod/internal/ledger"
)

func destAcct(b byte) ledger.Account {
	var a ledger.Account
	a[0] = b
	return a
}

func TestDestinationsBumpOrdersByCountDescending(t *testing.T) {
	d := newDestinations(10)
	d.bump(destAcct(1)) // head=tail=1
	d.bump(destAcct(2)) // head=2, tail=1
	d.bump(destAcct(3)) // head=3, tail=1

	// account 1 sits at the tail with count 1; bumping it twice must bubble
	// it past both account 3 and account 2 to become the new head.
	d.bump(destAcct(1))
	d.bump(destAcct(1))

	top, ok := d.top()
	require.True(t, ok)
	require.Equal(t, destAcct(1), top)
	require.Equal(t, 3, d.len())
}

func TestDestinationsRemove(t *testing.T) {
	d := newDestinations(10)
	d.bump(destAcct(1))
	d.bump(destAcct(2))
	require.Equal(t, 2, d.len())

	d.remove(destAcct(1))
	require.Equal(t, 1, d.len())
	top, ok := d.top()
	require.True(t, ok)
	require.Equal(t, destAcct(2), top)

	// Removing an absent account is a no-op, not an error.
	d.remove(destAcct(99))
	require.Equal(t, 1, d.len())
}

func TestDestinationsCapDropsNewcomerWhenFull(t *testing.T) {
	d := newDestinations(2)
	d.bump(destAcct(1))
	d.bump(destAcct(2))
	require.Equal(t, 2, d.len())

	// Both existing entries are at count 1; a third brand-new destination
	// cannot outrank either, so it is dropped rather than evicting one.
	d.bump(destAcct(3))
	require.Equal(t, 2, d.len())
	_, ok := d.byAcct[destAcct(3)]
	require.False(t, ok)
}
