package session

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

func TestMarshalSanitizedPassthroughWhenFinite(t *testing.T) {
	unittest.SmallTest(t)

	res := &types.SessionResult{
		SessionID: "sess-1",
		Threshold: 0.55,
		Images: []types.ImageResult{{
			TopMatches: []types.RankedResult{{URL: "u", Similarity: 0.91}},
		}},
	}
	want, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err)
	got, err := marshalSanitized(res)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMarshalSanitizedCoercesNaNAndInf(t *testing.T) {
	unittest.SmallTest(t)

	res := &types.SessionResult{
		SessionID: "sess-1",
		Threshold: 0.55,
		Images: []types.ImageResult{{
			Index: 0,
			TopMatches: []types.RankedResult{
				{URL: "u1", Similarity: math.NaN()},
				{URL: "u2", Similarity: math.Inf(1)},
				{URL: "u3", Similarity: math.Inf(-1)},
			},
		}},
	}
	// The plain encoder refuses this document.
	_, err := json.Marshal(res)
	require.Error(t, err)

	b, err := marshalSanitized(res)
	require.NoError(t, err)

	var got types.SessionResult
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, 0.55, got.Threshold)
	require.Len(t, got.Images, 1)
	require.Len(t, got.Images[0].TopMatches, 3)
	assert.Equal(t, "u1", got.Images[0].TopMatches[0].URL)
	assert.Equal(t, 0.0, got.Images[0].TopMatches[0].Similarity)
	assert.Equal(t, math.MaxFloat64, got.Images[0].TopMatches[1].Similarity)
	assert.Equal(t, -math.MaxFloat64, got.Images[0].TopMatches[2].Similarity)
}

func TestScrubStringifiesValuesWithoutJSONForm(t *testing.T) {
	unittest.SmallTest(t)

	in := map[string]interface{}{
		"ch":      make(chan int),
		"complex": complex(1, 2),
		"nested":  []interface{}{math.NaN(), "ok", nil},
	}
	out, ok := scrub(reflect.ValueOf(in)).(map[string]interface{})
	require.True(t, ok)

	assert.IsType(t, "", out["ch"])
	assert.IsType(t, "", out["complex"])
	nested := out["nested"].([]interface{})
	assert.Equal(t, 0.0, nested[0])
	assert.Equal(t, "ok", nested[1])
	assert.Nil(t, nested[2])

	// The scrubbed tree must serialize cleanly.
	_, err := json.Marshal(out)
	require.NoError(t, err)
}

func TestScrubHonorsJSONTags(t *testing.T) {
	unittest.SmallTest(t)

	res := types.RankedResult{URL: "u", Similarity: 0.5, Status: types.StatusSuccess}
	out, ok := scrub(reflect.ValueOf(res)).(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, "u", out["url"])
	assert.Equal(t, 0.5, out["similarity"])
	assert.Equal(t, "success", string(out["status"].(types.Status)))
	// omitempty fields that are empty stay out of the document.
	_, present := out["comic_name"]
	assert.False(t, present)
}
