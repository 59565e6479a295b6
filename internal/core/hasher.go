package core

import (
	"PointSwap/internal/command"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const GenesisHashSeed = "PointSwap:genesis:v1"

// StateHasher chains a hash over every emitted event. The digest only
// covers structural fields (tick, amounts, states, creation order), never
// generated ids, so two engines fed the same commands end on the same tip.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// Chain computes hash[N] = SHA-256(prev_hash || sequence || digest(event)).
func (h *StateHasher) Chain(evt *command.Event) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(evt.Sequence))
	hasher.Write(buf[:])

	hasher.Write(digest(evt))

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the current chain tip as hex.
func (h *StateHasher) Tip() string {
	return hex.EncodeToString(h.prevHash[:])
}

func digest(evt *command.Event) []byte {
	d := make([]byte, 0, 64)
	d = append(d, byte(evt.Type))
	d = binary.LittleEndian.AppendUint64(d, uint64(evt.Tick))
	d = binary.LittleEndian.AppendUint64(d, uint64(evt.Amount))
	d = appendString(d, evt.Role)
	d = appendString(d, evt.Reason)

	if m := evt.Match; m != nil {
		d = binary.LittleEndian.AppendUint64(d, uint64(m.Seq))
		d = binary.LittleEndian.AppendUint64(d, uint64(m.Amount))
		d = appendString(d, m.State)
		d = appendString(d, m.Cause)
	}
	if v := evt.Violation; v != nil {
		d = appendString(d, v.Kind)
		d = appendString(d, v.Message)
	}
	return d
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
