// Package dataquery exposes the user's synced rows to the agent: five
// isolation-enforcing tools and the validator that sanitizes user-supplied
// aggregation pipelines before the store ever sees them.
package dataquery

import (
	"fmt"
	"strings"

	"github.com/sellsight/sellsight/internal/domain"
)

// MaxPipelineResults caps how many documents a sanitized pipeline may
// return. The validator rewrites or appends the terminal limit to enforce
// it.
const MaxPipelineResults = 1000

// allowedStages are the only top-level operators a user pipeline may use.
var allowedStages = map[string]struct{}{
	"match": {}, "group": {}, "sort": {}, "limit": {}, "project": {},
	"lookup": {}, "unwind": {}, "count": {}, "skip": {}, "addFields": {},
}

// blockedOperators are rejected at any nesting depth: all of them write
// outside the aggregation or mutate data.
var blockedOperators = map[string]struct{}{
	"out": {}, "merge": {}, "delete": {},
}

// ValidatePipeline checks a user-supplied pipeline against the stage
// policy and the caller's connection ownership, returning a sanitized copy
// that always ends in a limit of at most MaxPipelineResults. Stage
// operators may be written with or without the $ prefix; the sanitized
// form always carries it.
func ValidatePipeline(stages []map[string]any, ownedConnectionIDs map[string]struct{}) ([]map[string]any, error) {
	sanitized := make([]map[string]any, 0, len(stages)+1)
	for i, stage := range stages {
		if len(stage) != 1 {
			return nil, fmt.Errorf("stage %d must have exactly one operator: %w", i+1, domain.ErrForbiddenStage)
		}
		var op string
		var arg any
		for k, v := range stage {
			op, arg = strings.TrimPrefix(k, "$"), v
		}
		if _, ok := allowedStages[op]; !ok {
			return nil, fmt.Errorf("stage %d: operator $%s is not allowed: %w", i+1, op, domain.ErrForbiddenStage)
		}
		if blocked := findBlocked(arg); blocked != "" {
			return nil, fmt.Errorf("stage %d: contains $%s: %w", i+1, blocked, domain.ErrForbiddenStage)
		}
		if op == "lookup" {
			if err := checkLookup(i+1, arg, ownedConnectionIDs); err != nil {
				return nil, err
			}
		}
		sanitized = append(sanitized, map[string]any{"$" + op: arg})
	}

	// Force the terminal limit: clamp an existing one, append otherwise.
	if n := len(sanitized); n > 0 {
		if arg, ok := sanitized[n-1]["$limit"]; ok {
			limit := intArg(arg)
			if limit <= 0 || limit > MaxPipelineResults {
				limit = MaxPipelineResults
			}
			sanitized[n-1]["$limit"] = limit
			return sanitized, nil
		}
	}
	return append(sanitized, map[string]any{"$limit": MaxPipelineResults}), nil
}

// findBlocked walks the stage argument and returns the first blocked
// operator it finds, "" if none.
func findBlocked(v any) string {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			if _, ok := blockedOperators[strings.TrimPrefix(k, "$")]; ok {
				return strings.TrimPrefix(k, "$")
			}
			if found := findBlocked(nested); found != "" {
				return found
			}
		}
	case []any:
		for _, item := range val {
			if found := findBlocked(item); found != "" {
				return found
			}
		}
	}
	return ""
}

// checkLookup requires the lookup's from target to be a connection the
// caller owns, closing the one hole that could join another tenant's rows.
func checkLookup(stageNum int, arg any, owned map[string]struct{}) error {
	spec, ok := arg.(map[string]any)
	if !ok {
		return fmt.Errorf("stage %d: malformed lookup: %w", stageNum, domain.ErrForbiddenLookup)
	}
	from, _ := spec["from"].(string)
	if from == "" {
		return fmt.Errorf("stage %d: lookup without a from target: %w", stageNum, domain.ErrForbiddenLookup)
	}
	if _, ok := owned[from]; !ok {
		return fmt.Errorf("stage %d: lookup references a connection you do not own: %w", stageNum, domain.ErrForbiddenLookup)
	}
	return nil
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
