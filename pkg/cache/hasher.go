package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint builds the cache key for a proxied request: a digest of
// method, service, path and body, namespaced under "route:" so
// DeleteByPattern("route:*") can flush the whole response cache without
// touching other consumers of the same backend.
func Fingerprint(method, service, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("route:%s", hex.EncodeToString(h.Sum(nil))[:32])
}

// QuickHash is a general-purpose full SHA-256 digest, for keys where
// collision resistance matters more than brevity.
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash is QuickHash truncated to 16 hex characters, for log lines
// and metric labels where the full digest would be noise.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
