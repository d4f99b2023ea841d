package ledger

import (
	"golang.org/x/crypto/ed25519"
)

// Txn is the narrow transactional surface Process needs from storage. The
// Design Notes call for passing an explicit context into subsystems rather
// than a back-pointer to a monolithic node or store; this interface is that
// context for the ledger model specifically. internal/store implements it.
type Txn interface {
	GetBlock(hash BlockHash) (Block, bool, error)
	PutBlock(b Block) error

	GetAccountInfo(a Account) (AccountInfo, bool, error)
	PutAccountInfo(a Account, info AccountInfo) error

	GetFrontier(a Account) (BlockHash, bool, error)
	PutFrontier(a Account, head BlockHash) error
	DeleteFrontier(a Account) error

	GetPending(key PendingKey) (PendingInfo, bool, error)
	PutPending(key PendingKey, info PendingInfo) error
	DeletePending(key PendingKey) error

	// GetConfirmationHeight is needed only to refuse rollbacks at or below
	// the cemented height (spec.md 4.H "Invariants maintained").
	GetConfirmationHeight(a Account) (ConfirmationHeightInfo, bool, error)
}

// ProcessResult enumerates process()'s possible outcomes (spec.md 4.A).
type ProcessResult uint8

const (
	Progress ProcessResult = iota
	Old                      // block already exists, identical to what's stored
	GapPrevious              // B.previous is unknown (I1)
	GapSource                // the send referenced by source/link is unknown (I2)
	BadSignature
	NegativeSpend // a send's balance did not strictly decrease (I3)
	Fork          // a different block already occupies this previous (same-predecessor collision)
	Unreceivable  // the pending entry for this receive doesn't exist or was already pocketed
	BalanceMismatch
)

func (r ProcessResult) String() string {
	switch r {
	case Progress:
		return "progress"
	case Old:
		return "old"
	case GapPrevious:
		return "gap_previous"
	case GapSource:
		return "gap_source"
	case BadSignature:
		return "bad_signature"
	case NegativeSpend:
		return "negative_spend"
	case Fork:
		return "fork"
	case Unreceivable:
		return "unreceivable"
	case BalanceMismatch:
		return "balance_mismatch"
	default:
		return "unknown"
	}
}

// Process validates block against the ledger invariants of spec.md section 3
// and, on Progress, mutates txn's blocks/accounts/pending/frontier tables.
// It is pure with respect to txn: callers own commit/rollback of txn itself.
func Process(txn Txn, block Block) (ProcessResult, error) {
	if existing, ok, err := txn.GetBlock(block.Hash()); err != nil {
		return Progress, err
	} else if ok {
		_ = existing
		return Old, nil
	}

	if !verifySignature(block) {
		return BadSignature, nil
	}

	switch b := block.(type) {
	case *OpenBlock:
		return processOpen(txn, b)
	case *SendBlock:
		return processSend(txn, b)
	case *ReceiveBlock:
		return processReceive(txn, b)
	case *ChangeBlock:
		return processChange(txn, b)
	case *StateBlock:
		return processState(txn, b)
	default:
		return BadSignature, nil
	}
}

func verifySignature(block Block) bool {
	account := block.Account()
	hash := block.Hash()
	sig := block.Signature()
	return ed25519.Verify(ed25519.PublicKey(account[:]), hash[:], sig[:])
}

func processOpen(txn Txn, b *OpenBlock) (ProcessResult, error) {
	if _, ok, err := txn.GetAccountInfo(b.AccountPub); err != nil {
		return Progress, err
	} else if ok {
		return Fork, nil // account already opened; a second open is a fork at position 0
	}

	pending, ok, err := txn.GetPending(PendingKey{Destination: b.AccountPub, Send: b.SourceHash})
	if err != nil {
		return Progress, err
	}
	if !ok {
		return Unreceivable, nil
	}

	if err := txn.DeletePending(PendingKey{Destination: b.AccountPub, Send: b.SourceHash}); err != nil {
		return Progress, err
	}
	if err := txn.PutBlock(b); err != nil {
		return Progress, err
	}
	info := AccountInfo{
		Head:           b.Hash(),
		Representative: b.Representative,
		OpenBlock:      b.Hash(),
		Balance:        pending.Amount,
		BlockCount:     1,
	}
	if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
		return Progress, err
	}
	if err := txn.PutFrontier(b.AccountPub, b.Hash()); err != nil {
		return Progress, err
	}
	return Progress, nil
}

func processSend(txn Txn, b *SendBlock) (ProcessResult, error) {
	info, ok, err := txn.GetAccountInfo(b.AccountPub)
	if err != nil {
		return Progress, err
	}
	if !ok {
		return GapPrevious, nil
	}
	if info.Head != b.PreviousHash {
		if chainHasBlock(txn, b.AccountPub, b.PreviousHash, info) {
			return Fork, nil
		}
		return GapPrevious, nil
	}
	if b.Balance.Cmp(info.Balance) >= 0 {
		return NegativeSpend, nil // I3: strictly less than predecessor
	}

	if err := txn.PutBlock(b); err != nil {
		return Progress, err
	}
	sent := info.Balance.Sub(b.Balance)
	if err := txn.PutPending(PendingKey{Destination: b.Destination, Send: b.Hash()}, PendingInfo{
		Source: b.AccountPub,
		Amount: sent,
	}); err != nil {
		return Progress, err
	}
	info.Head = b.Hash()
	info.Balance = b.Balance
	info.BlockCount++
	if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
		return Progress, err
	}
	return Progress, txn.PutFrontier(b.AccountPub, b.Hash())
}

func processReceive(txn Txn, b *ReceiveBlock) (ProcessResult, error) {
	info, ok, err := txn.GetAccountInfo(b.AccountPub)
	if err != nil {
		return Progress, err
	}
	if !ok {
		return GapPrevious, nil
	}
	if info.Head != b.PreviousHash {
		return Fork, nil
	}

	pending, ok, err := txn.GetPending(PendingKey{Destination: b.AccountPub, Send: b.SourceHash})
	if err != nil {
		return Progress, err
	}
	if !ok {
		if _, sok, serr := txn.GetBlock(b.SourceHash); serr == nil && !sok {
			return GapSource, nil
		}
		return Unreceivable, nil
	}

	if err := txn.DeletePending(PendingKey{Destination: b.AccountPub, Send: b.SourceHash}); err != nil {
		return Progress, err
	}
	if err := txn.PutBlock(b); err != nil {
		return Progress, err
	}
	info.Head = b.Hash()
	info.Balance = info.Balance.Add(pending.Amount) // I3: predecessor + (send.predecessor.balance - send.balance)
	info.BlockCount++
	if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
		return Progress, err
	}
	return Progress, txn.PutFrontier(b.AccountPub, b.Hash())
}

func processChange(txn Txn, b *ChangeBlock) (ProcessResult, error) {
	info, ok, err := txn.GetAccountInfo(b.AccountPub)
	if err != nil {
		return Progress, err
	}
	if !ok {
		return GapPrevious, nil
	}
	if info.Head != b.PreviousHash {
		return Fork, nil
	}
	if err := txn.PutBlock(b); err != nil {
		return Progress, err
	}
	info.Head = b.Hash()
	info.Representative = b.Representative
	info.BlockCount++
	if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
		return Progress, err
	}
	return Progress, txn.PutFrontier(b.AccountPub, b.Hash())
}

// processState dispatches to the open/send/receive/change semantics implied
// by the block's balance delta and link, per spec.md's State block
// definition: "semantic decided by balance delta and link interpretation".
func processState(txn Txn, b *StateBlock) (ProcessResult, error) {
	info, ok, err := txn.GetAccountInfo(b.AccountPub)
	if err != nil {
		return Progress, err
	}

	if !ok {
		if !b.IsOpen() {
			return GapPrevious, nil
		}
		pending, pok, perr := txn.GetPending(PendingKey{Destination: b.AccountPub, Send: b.Link})
		if perr != nil {
			return Progress, perr
		}
		if !pok {
			if _, sok, serr := txn.GetBlock(b.Link); serr == nil && !sok {
				return GapSource, nil
			}
			return Unreceivable, nil
		}
		if b.Balance.Cmp(pending.Amount) != 0 {
			return BalanceMismatch, nil
		}
		if err := txn.DeletePending(PendingKey{Destination: b.AccountPub, Send: b.Link}); err != nil {
			return Progress, err
		}
		if err := txn.PutBlock(b); err != nil {
			return Progress, err
		}
		newInfo := AccountInfo{
			Head:           b.Hash(),
			Representative: b.Representative,
			OpenBlock:      b.Hash(),
			Balance:        b.Balance,
			BlockCount:     1,
		}
		if err := txn.PutAccountInfo(b.AccountPub, newInfo); err != nil {
			return Progress, err
		}
		return Progress, txn.PutFrontier(b.AccountPub, b.Hash())
	}

	if info.Head != b.PreviousHash {
		return Fork, nil
	}

	switch b.Balance.Cmp(info.Balance) {
	case -1: // send: link is the destination account
		dest := Account(b.Link)
		if err := txn.PutBlock(b); err != nil {
			return Progress, err
		}
		sent := info.Balance.Sub(b.Balance)
		if err := txn.PutPending(PendingKey{Destination: dest, Send: b.Hash()}, PendingInfo{
			Source: b.AccountPub,
			Amount: sent,
		}); err != nil {
			return Progress, err
		}
		info.Head = b.Hash()
		info.Balance = b.Balance
		info.Representative = b.Representative
		info.BlockCount++
		if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
			return Progress, err
		}
		return Progress, txn.PutFrontier(b.AccountPub, b.Hash())

	case 1: // receive: link is the source send's hash
		if b.Link == EpochLink {
			return BalanceMismatch, nil // epoch blocks never change balance
		}
		pending, pok, perr := txn.GetPending(PendingKey{Destination: b.AccountPub, Send: b.Link})
		if perr != nil {
			return Progress, perr
		}
		if !pok {
			if _, sok, serr := txn.GetBlock(b.Link); serr == nil && !sok {
				return GapSource, nil
			}
			return Unreceivable, nil
		}
		if b.Balance.Cmp(info.Balance.Add(pending.Amount)) != 0 {
			return BalanceMismatch, nil
		}
		if err := txn.DeletePending(PendingKey{Destination: b.AccountPub, Send: b.Link}); err != nil {
			return Progress, err
		}
		if err := txn.PutBlock(b); err != nil {
			return Progress, err
		}
		info.Head = b.Hash()
		info.Balance = b.Balance
		info.Representative = b.Representative
		info.BlockCount++
		if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
			return Progress, err
		}
		return Progress, txn.PutFrontier(b.AccountPub, b.Hash())

	default: // change (or epoch upgrade): balance unchanged
		if err := txn.PutBlock(b); err != nil {
			return Progress, err
		}
		info.Head = b.Hash()
		info.Representative = b.Representative
		info.BlockCount++
		if err := txn.PutAccountInfo(b.AccountPub, info); err != nil {
			return Progress, err
		}
		return Progress, txn.PutFrontier(b.AccountPub, b.Hash())
	}
}

// chainHasBlock is a best-effort check used only to distinguish "fork" from
// "gap" when a send's stated previous neither matches nor is reachable: if
// the stored chain head is further along but the asserted previous hash
// exists at all in the block table, we call it a fork rather than a gap.
func chainHasBlock(txn Txn, _ Account, previous BlockHash, _ AccountInfo) bool {
	_, ok, err := txn.GetBlock(previous)
	return err == nil && ok
}

// Subtype resolves the semantic a state block represents from its balance
// relative to its predecessor's and its link, the same rules processState
// applies.
func Subtype(b *StateBlock, previousBalance Balance, havePrevious bool) StateSubtype {
	if !havePrevious {
		if b.IsOpen() {
			return StateOpen
		}
		return StateUnknown
	}
	switch b.Balance.Cmp(previousBalance) {
	case -1:
		return StateSend
	case 1:
		return StateReceive
	default:
		if b.Link == EpochLink {
			return StateEpoch
		}
		return StateChange
	}
}
