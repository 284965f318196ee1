package dataquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellsight/sellsight/internal/domain"
)

var owned = map[string]struct{}{"conn-1": {}, "conn-2": {}}

func TestValidatePipelineNormalizesAndAppendsLimit(t *testing.T) {
	t.Parallel()
	stages := []map[string]any{
		{"match": map[string]any{"data.platform": "Shopee"}},
		{"$group": map[string]any{"_id": "$data.platform", "total": map[string]any{"$sum": "$data.total_amount"}}},
	}

	sanitized, err := ValidatePipeline(stages, owned)
	require.NoError(t, err)
	require.Len(t, sanitized, 3)
	assert.Contains(t, sanitized[0], "$match", "bare operators gain the $ prefix")
	assert.Contains(t, sanitized[1], "$group")
	assert.Equal(t, map[string]any{"$limit": MaxPipelineResults}, sanitized[2])
}

func TestValidatePipelineClampsExistingLimit(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		in   any
		want int
	}{
		{"kept", 50, 50},
		{"float from json", float64(25), 25},
		{"too large", 5000, MaxPipelineResults},
		{"non positive", -1, MaxPipelineResults},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sanitized, err := ValidatePipeline([]map[string]any{{"$limit": tc.in}}, owned)
			require.NoError(t, err)
			require.Len(t, sanitized, 1)
			assert.Equal(t, tc.want, sanitized[0]["$limit"])
		})
	}
}

func TestValidatePipelineEmptyStillLimits(t *testing.T) {
	t.Parallel()
	sanitized, err := ValidatePipeline(nil, owned)
	require.NoError(t, err)
	require.Len(t, sanitized, 1)
	assert.Equal(t, MaxPipelineResults, sanitized[0]["$limit"])
}

func TestValidatePipelineRejectsUnknownStage(t *testing.T) {
	t.Parallel()
	_, err := ValidatePipeline([]map[string]any{{"$facet": map[string]any{}}}, owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenStage)
}

func TestValidatePipelineRejectsMultiOperatorStage(t *testing.T) {
	t.Parallel()
	_, err := ValidatePipeline([]map[string]any{
		{"$match": map[string]any{}, "$limit": 10},
	}, owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenStage)
}

func TestValidatePipelineRejectsWriteStages(t *testing.T) {
	t.Parallel()
	_, err := ValidatePipeline([]map[string]any{{"$out": "stolen"}}, owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenStage)

	// Blocked operators hide at any depth.
	_, err = ValidatePipeline([]map[string]any{
		{"$group": map[string]any{
			"_id": nil,
			"sneaky": map[string]any{
				"$accumulator": []any{map[string]any{"$merge": "elsewhere"}},
			},
		}},
	}, owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenStage)
}

func TestValidatePipelineLookupOwnership(t *testing.T) {
	t.Parallel()
	lookup := func(from any) []map[string]any {
		return []map[string]any{
			{"$lookup": map[string]any{"from": from, "localField": "data.order_id", "foreignField": "data.order_id", "as": "items"}},
		}
	}

	sanitized, err := ValidatePipeline(lookup("conn-2"), owned)
	require.NoError(t, err)
	assert.Contains(t, sanitized[0], "$lookup")

	_, err = ValidatePipeline(lookup("someone-elses-conn"), owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenLookup)

	_, err = ValidatePipeline(lookup(""), owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenLookup)

	_, err = ValidatePipeline([]map[string]any{{"$lookup": "not-a-spec"}}, owned)
	assert.ErrorIs(t, err, domain.ErrForbiddenLookup)
}
