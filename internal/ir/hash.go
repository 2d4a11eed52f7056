package ir

import "github.com/cespare/xxhash/v2"

// DomainPayload separates payload digests from any other xxhash use.
const DomainPayload = "graphsync/payload/v1"

// PayloadDigest returns the digest stored alongside a cached change.
// Format: XXH64(domain + 0x00 + payload).
func PayloadDigest(payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(DomainPayload)
	_, _ = d.Write([]byte{0x00})
	_, _ = d.Write(payload)
	return d.Sum64()
}
