package ratelimit

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

const (
	idPlaceholder = ":id"
	minHexIDLen   = 16
)

// NormalizeRoute folds identifier segments into ":id" so every resource of
// a route shares one bucket.
func NormalizeRoute(raw string) string {
	if raw == "" {
		return "/"
	}
	cleaned := path.Clean("/" + raw)

	segments := strings.Split(cleaned, "/")
	for i, segment := range segments {
		if isIdentifier(segment) {
			segments[i] = idPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

func isIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	if isDigits(segment) {
		return true
	}
	if len(segment) == 36 {
		if _, err := uuid.Parse(segment); err == nil {
			return true
		}
	}
	if len(segment) >= minHexIDLen && isHex(segment) {
		return true
	}
	// Pool proxy ids are colon separated.
	return strings.Count(segment, ":") >= 2
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
