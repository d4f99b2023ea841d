package netp2p

import "sync"

// Kind distinguishes the two transports spec.md section 4.C defines.
type Kind uint8

const (
	Datagram Kind = iota
	Stream
)

func (k Kind) String() string {
	if k == Stream {
		return "stream"
	}
	return "datagram"
}

// Channel is one peer's entry in the channel table: its reachability
// endpoint, transport kind and handshake progress.
type Channel struct {
	Endpoint Endpoint
	Kind     Kind
	Handshake *Handshake

	LastActivityUnix int64
}

// Table is the channel layer's live peer set, keyed by IP so a peer
// reconnecting from a new ephemeral port replaces rather than duplicates its
// old entry (spec.md 4.C "replace_port": a node is identified by address,
// not by the port a connection happens to originate from).
type Table struct {
	mu    sync.Mutex
	byIP  map[[16]byte]*Channel
}

func NewTable() *Table {
	return &Table{byIP: make(map[[16]byte]*Channel)}
}

func ipKey(ip []byte) [16]byte {
	var k [16]byte
	copy(k[:], ip)
	return k
}

// Upsert inserts a new channel for ep, replacing any existing channel with
// the same IP regardless of port. The replaced channel (if any) is returned
// so the caller can tear down its connection.
func (t *Table) Upsert(ep Endpoint, kind Kind, local Signer) (ch *Channel, replaced *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ipKey(ep.IP.To16())
	replaced = t.byIP[key]
	ch = &Channel{Endpoint: ep, Kind: kind, Handshake: NewHandshake(local)}
	t.byIP[key] = ch
	return ch, replaced
}

// Get returns the live channel for an endpoint's IP, if any.
func (t *Table) Get(ip []byte) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.byIP[ipKey(ip)]
	return ch, ok
}

// Remove drops the channel for ip, if it is still the one passed (avoids
// racing a Remove against a concurrent Upsert that already replaced it).
func (t *Table) Remove(ip []byte, ch *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ipKey(ip)
	if cur, ok := t.byIP[key]; ok && cur == ch {
		delete(t.byIP, key)
	}
}

// List returns a snapshot of all live channels.
func (t *Table) List() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Channel, 0, len(t.byIP))
	for _, ch := range t.byIP {
		out = append(out, ch)
	}
	return out
}

// Len reports the number of live channels.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIP)
}
