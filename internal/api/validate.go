package api

import (
	"fmt"
	"net/url"
	"strconv"

	"FleetGuard/internal/round"
)

const (
	// defaultRoundLimit is the number of round records returned when no limit is given.
	defaultRoundLimit = 100

	// maxRoundLimit caps the number of round records per request.
	maxRoundLimit = 1000
)

// parseAgentID validates an agent id path segment.
func parseAgentID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid agent id %q", raw)
	}

	if id < 0 {
		return 0, fmt.Errorf("agent id must not be negative, got %d", id)
	}

	return id, nil
}

// roundQuery selects a window of round records.
type roundQuery struct {
	from  uint64 // from is the first round number included
	limit int    // limit caps the number of records
	last  bool   // last selects the newest records when from is absent
}

// parseRoundQuery reads from and limit. Without from, the newest records are returned.
func parseRoundQuery(v url.Values) (roundQuery, error) {
	q := roundQuery{limit: defaultRoundLimit, last: true}

	if raw := v.Get("from"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid from %q", raw)
		}

		q.from = from
		q.last = false
	}

	if raw := v.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}

		q.limit = min(limit, maxRoundLimit)
	}

	return q, nil
}

// apply returns the selected window of records.
func (q roundQuery) apply(records []round.Record) []round.Record {
	if q.last {
		start := max(len(records)-q.limit, 0)
		return records[start:]
	}

	out := make([]round.Record, 0, q.limit)
	for _, r := range records {
		if r.Round < q.from {
			continue
		}

		if len(out) == q.limit {
			break
		}

		out = append(out, r)
	}

	return out
}
