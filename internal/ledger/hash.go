package ledger

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// statePreamble prefixes a state block's hash input so that it cannot
// collide with a legacy block's; legacy blocks hash their fields untagged.
var statePreamble = [32]byte{31: 0x06}

func sum256(chunks ...[]byte) BlockHash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errs on a bad key length; we pass none.
		panic(err)
	}
	for _, c := range chunks {
		h.Write(c)
	}
	var out BlockHash
	copy(out[:], h.Sum(nil))
	return out
}

func hashOpen(source BlockHash, representative, account Account) BlockHash {
	return sum256(source[:], representative[:], account[:])
}

func hashSend(previous BlockHash, destination Account, balance Balance) BlockHash {
	bal := balance.Bytes()
	return sum256(previous[:], destination[:], bal[:])
}

func hashReceive(previous, source BlockHash) BlockHash {
	return sum256(previous[:], source[:])
}

func hashChange(previous BlockHash, representative Account) BlockHash {
	return sum256(previous[:], representative[:])
}

func hashState(account Account, previous BlockHash, representative Account, balance Balance, link BlockHash) BlockHash {
	bal := balance.Bytes()
	return sum256(statePreamble[:], account[:], previous[:], representative[:], bal[:], link[:])
}

// uint64be encodes n as 8 big-endian bytes. It has no callers in this
// repository.
func uint64be(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}
