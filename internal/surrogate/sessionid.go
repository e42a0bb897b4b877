package surrogate

import "encoding/hex"

// SessionID is the 128-bit long-poll session id carried in the `sid`
// query parameter (spec.md §3, §4.6): exactly 32 lowercase hex nibbles.
type SessionID [16]byte

// ParseSessionID validates and decodes a `sid` value. Any length or
// content other than 32 lowercase hex nibbles is rejected (spec.md
// §4.6 "Session id parsing").
func ParseSessionID(s string) (SessionID, bool) {
	var id SessionID
	if len(s) != 32 {
		return id, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return id, false
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, false
	}
	return id, true
}

// Shard maps a session id to one of the table's buckets: the 128-bit id,
// read big-endian, modulo numShards.
func (id SessionID) Shard(numShards int) int {
	var h uint64
	for _, b := range id {
		h = (h*256 + uint64(b)) % uint64(numShards)
	}
	return int(h)
}
