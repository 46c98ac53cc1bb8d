// Package cache holds the response cache middleware and the compute-once
// helper for structured payloads. Both live in the shared store.
package cache

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"sniper/internal/keys"
)

const anonymousUser = "anon"

// Key derives the storage key of a request shape. The secret keeps entries
// from being addressed by anyone who does not hold it.
func Key(secret, route, user, query string, body []byte) string {
	if user == "" {
		user = anonymousUser
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(route))
	mac.Write([]byte("|u=" + user))
	mac.Write([]byte("|q=" + query))
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		mac.Write([]byte("|b="))
		mac.Write(sum[:])
	}

	return keys.CacheEntry(base64.RawURLEncoding.EncodeToString(mac.Sum(nil)))
}
