package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for the ledger store:
//
//	bal:<asset>:<holder> → Balance
//	ord:<id>             → Order
//	cxl:<id>             → (empty) cancelled id set
//	fil:<id>             → (empty) filled id set
//	evt:<seq>            → Event
//	non:<caller>         → last accepted request nonce
//
// Ids and sequence numbers are 8-byte big-endian so prefix scans return them in order.
const (
	prefixBalance   = "bal:"
	prefixOrder     = "ord:"
	prefixCancelled = "cxl:"
	prefixFilled    = "fil:"
	prefixEvent     = "evt:"
	prefixNonce     = "non:"
)

// balanceKey returns the key for a balance
// Format: "bal:{asset}:{holder}"
func balanceKey(asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), holder.Hex()))
}

func nonceKey(caller common.Address) []byte {
	return append([]byte(prefixNonce), caller.Bytes()...)
}

func orderKey(id uint64) []byte     { return seqKey(prefixOrder, id) }
func cancelledKey(id uint64) []byte { return seqKey(prefixCancelled, id) }
func filledKey(id uint64) []byte    { return seqKey(prefixFilled, id) }
func eventKey(seq uint64) []byte    { return seqKey(prefixEvent, seq) }

func seqKey(prefix string, n uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], n)
	return k
}

// seqFromKey returns the trailing big-endian number of a seqKey
func seqFromKey(prefix string, key []byte) (uint64, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("malformed key %q under %q", key, prefix)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
