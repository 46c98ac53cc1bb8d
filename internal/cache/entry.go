package cache

import (
	"strconv"
	"time"
)

const (
	fieldBody        = "body"
	fieldStatus      = "status"
	fieldContentType = "ct"
	fieldStoredAt    = "ts"

	defaultContentType = "application/json"
)

// Entry is a captured response as it is kept in the store.
type Entry struct {
	Body        []byte
	Status      int
	ContentType string
	StoredAt    time.Time
}

func (e Entry) fields() map[string]string {
	contentType := e.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return map[string]string{
		fieldBody:        string(e.Body),
		fieldStatus:      strconv.Itoa(e.Status),
		fieldContentType: contentType,
		fieldStoredAt:    strconv.FormatInt(e.StoredAt.UnixMilli(), 10),
	}
}

// entryFromFields rebuilds an entry. Incomplete hashes read as absent.
func entryFromFields(fields map[string]string) (Entry, bool) {
	rawStatus, ok := fields[fieldStatus]
	if !ok {
		return Entry{}, false
	}
	status, err := strconv.Atoi(rawStatus)
	if err != nil || status < 100 {
		return Entry{}, false
	}
	ts, err := strconv.ParseInt(fields[fieldStoredAt], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	contentType := fields[fieldContentType]
	if contentType == "" {
		contentType = defaultContentType
	}
	return Entry{
		Body:        []byte(fields[fieldBody]),
		Status:      status,
		ContentType: contentType,
		StoredAt:    time.UnixMilli(ts),
	}, true
}

type freshness int

const (
	freshnessMiss freshness = iota
	freshnessFresh
	freshnessStale
)

func classify(storedAt, now time.Time, ttl, swrTTL time.Duration) freshness {
	age := now.Sub(storedAt)
	switch {
	case age <= ttl:
		return freshnessFresh
	case age <= swrTTL:
		return freshnessStale
	default:
		return freshnessMiss
	}
}
