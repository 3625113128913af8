package domain

import (
	"fmt"
	"sort"
)

// Reason codes written to parser side logs.
const (
	ReasonMissingChannelID   = "missing_channel_id"
	ReasonMissingDisplayName = "missing_display_name"
	ReasonMissingAttribute   = "missing_attribute"
	ReasonMissingTitle       = "missing_title"
	ReasonBadDatetime        = "bad_datetime"
	ReasonInvalidTimeRange   = "invalid_time_range"
	ReasonDuplicateChannelID = "duplicate_channel_id"
)

// Rejection describes an entry excluded from (or flagged in) a parse result.
type Rejection struct {
	RecordType string
	RecordID   string
	Line       int
	Reason     string
	Field      string
	Value      string
	Detail     string
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s[%s] line %d: %s (%s=%q)", r.RecordType, r.RecordID, r.Line, r.Reason, r.Field, r.Value)
}

// CountByReason tallies rejections per reason code.
func CountByReason(rs []Rejection) map[string]int {
	out := make(map[string]int)
	for _, r := range rs {
		out[r.Reason]++
	}
	return out
}

// SortedCounts renders a tally map deterministically for log lines.
func SortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return out
}
