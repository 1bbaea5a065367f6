package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Search request bounds.
const (
	DefaultTopK     = 5
	MaxTopK         = 50
	MaxQueryLength  = 1000
	DefaultLogLimit = 25
	MaxLogLimit     = 100
)

// SearchRequest is the validated form of a search call.
type SearchRequest struct {
	Query  string
	TopK   int
	Filter Filter
	// RawFilters is the filter object as received, kept for the query log.
	RawFilters map[string]any
}

// ValidateSearch checks the query text and resolves top_k. A nil topK takes
// the default; values above MaxTopK are clamped; values below 1 are rejected.
func ValidateSearch(query string, topK *int, filters map[string]any) (SearchRequest, error) {
	text := strings.TrimSpace(query)
	if text == "" {
		return SearchRequest{}, NewValidationError("query", query, ErrEmptyQuery)
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return SearchRequest{}, NewValidationError("query", string([]rune(text)[:32])+"...", ErrQueryTooLong)
	}

	k := DefaultTopK
	if topK != nil {
		k = *topK
	}
	if k < 1 {
		return SearchRequest{}, NewValidationError("top_k", strconv.Itoa(k), ErrInvalidTopK)
	}
	if k > MaxTopK {
		k = MaxTopK
	}

	f, err := ParseFilter(filters)
	if err != nil {
		return SearchRequest{}, err
	}
	return SearchRequest{Query: text, TopK: k, Filter: f, RawFilters: filters}, nil
}

// ClampLogLimit resolves the recent-logs limit: missing or non-positive takes
// the default, anything above MaxLogLimit is capped.
func ClampLogLimit(limit int) int {
	if limit < 1 {
		return DefaultLogLimit
	}
	if limit > MaxLogLimit {
		return MaxLogLimit
	}
	return limit
}
