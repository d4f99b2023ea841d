package store

import (
	"fmt"

	"github.com/google/orderedcode"

	"github.com/nanocurrency/nanod/internal/ledger"
)

// Table prefixes, one per table named in spec.md section 4.B. Kept unique
// across all tables, since they all share one tm-db keyspace.
const (
	prefixBlock              = int64(0)
	prefixAccount            = int64(1)
	prefixPending            = int64(2)
	prefixConfirmationHeight = int64(3)
	prefixFrontier           = int64(4)
	prefixPeer               = int64(5)
	prefixUnchecked          = int64(6)
	prefixVote               = int64(7)
	prefixOnlineWeight       = int64(8)
)

func mustAppend(prefix int64, items ...interface{}) []byte {
	args := append([]interface{}{prefix}, items...)
	key, err := orderedcode.Append(nil, args...)
	if err != nil {
		panic(fmt.Errorf("encoding key: %w", err))
	}
	return key
}

func blockKey(hash ledger.BlockHash) []byte {
	return mustAppend(prefixBlock, string(hash[:]))
}

func accountKey(a ledger.Account) []byte {
	return mustAppend(prefixAccount, string(a[:]))
}

func pendingKey(k ledger.PendingKey) []byte {
	return mustAppend(prefixPending, string(k.Destination[:]), string(k.Send[:]))
}

// pendingRangeForAccount lets bulk_pull_account iterate all pending entries
// addressed to one destination without a full table scan.
func pendingRangeForAccount(a ledger.Account) (start, end []byte) {
	start = mustAppend(prefixPending, string(a[:]))
	var upper [32]byte
	for i := range upper {
		upper[i] = 0xff
	}
	end = mustAppend(prefixPending, string(a[:]), string(upper[:]))
	return start, end
}

func confirmationHeightKey(a ledger.Account) []byte {
	return mustAppend(prefixConfirmationHeight, string(a[:]))
}

// frontierKey is ordered by account so frontier_req can walk the table in
// key order starting from an arbitrary account (spec.md 4.F).
func frontierKey(a ledger.Account) []byte {
	return mustAppend(prefixFrontier, string(a[:]))
}

func frontierRangeAll() (start, end []byte) {
	start = mustAppend(prefixFrontier)
	var upper [32]byte
	for i := range upper {
		upper[i] = 0xff
	}
	end = mustAppend(prefixFrontier, string(upper[:]))
	return start, end
}

func peerKey(endpoint string) []byte {
	return mustAppend(prefixPeer, endpoint)
}

func voteKey(account ledger.Account) []byte {
	return mustAppend(prefixVote, string(account[:]))
}

func onlineWeightKey(timestampUnix int64) []byte {
	return mustAppend(prefixOnlineWeight, timestampUnix)
}
