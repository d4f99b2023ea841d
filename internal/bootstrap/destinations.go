package bootstrap

import "github.com/nanocurrency/nanod/internal/ledger"

// destNode is one entry in the destinations multi-index: unique by account,
// ordered by count descending. Per the Design Notes ("Multi-index container
// for destinations"), this is re-architected as two cooperating structures
// — a map for the unique-by-account lookup, and a doubly linked list kept
// in count order for the ordered/eviction side — rather than a single
// structure trying to do both jobs at once.
type destNode struct {
	account ledger.Account
	count   uint64
	prev    *destNode
	next    *destNode
}

// destinations is lazy_destinations (spec.md 4.E): send destinations
// discovered during a lazy attempt, counted by how often each is seen. The
// attempt records them whether or not LegacyBootstrapDisabled is set, and
// nothing pulls from them. Capped at maxSize: a new destination starts at
// count 1 and never outranks an existing entry, so once the set is full new
// destinations are dropped and no entry is evicted.
type destinations struct {
	maxSize int
	byAcct  map[ledger.Account]*destNode
	head    *destNode // highest count
	tail    *destNode // lowest count
}

func newDestinations(maxSize int) *destinations {
	return &destinations{maxSize: maxSize, byAcct: make(map[ledger.Account]*destNode)}
}

func (d *destinations) bump(account ledger.Account) {
	if n, ok := d.byAcct[account]; ok {
		n.count++
		d.bubbleUp(n)
		return
	}

	if len(d.byAcct) >= d.maxSize {
		if d.tail == nil {
			return
		}
		// A brand-new destination starts at count 1 and every entry's count
		// is at least 1, so the tail is never outranked: the newcomer is
		// dropped.
		if d.tail.count >= 1 {
			return
		}
		d.unlink(d.tail)
		delete(d.byAcct, d.tail.account)
	}

	n := &destNode{account: account, count: 1}
	d.byAcct[account] = n
	d.pushFront(n)
}

func (d *destinations) remove(account ledger.Account) {
	n, ok := d.byAcct[account]
	if !ok {
		return
	}
	d.unlink(n)
	delete(d.byAcct, account)
}

func (d *destinations) len() int { return len(d.byAcct) }

// top returns the highest-count destination without removing it.
func (d *destinations) top() (ledger.Account, bool) {
	if d.head == nil {
		return ledger.Account{}, false
	}
	return d.head.account, true
}

func (d *destinations) unlink(n *destNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		d.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		d.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (d *destinations) pushFront(n *destNode) {
	n.next = d.head
	if d.head != nil {
		d.head.prev = n
	}
	d.head = n
	if d.tail == nil {
		d.tail = n
	}
}

// bubbleUp re-sorts n after its count increased, walking toward head.
func (d *destinations) bubbleUp(n *destNode) {
	for n.prev != nil && n.prev.count < n.count {
		p := n.prev
		d.unlink(n)
		d.insertBefore(n, p)
	}
}

func (d *destinations) insertBefore(n, mark *destNode) {
	n.prev = mark.prev
	n.next = mark
	if mark.prev != nil {
		mark.prev.next = n
	} else {
		d.head = n
	}
	mark.prev = n
}
