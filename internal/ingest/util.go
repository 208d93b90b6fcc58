package ingest

import (
	"net/url"
	"time"
)

func nowUTC() time.Time { return time.Now().UTC() }

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func urlParseQuery(raw string) (url.Values, error) {
	return url.ParseQuery(raw)
}

func parseRFC3339OrNow(s string) time.Time {
	if s == "" {
		return nowUTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return nowUTC()
}
