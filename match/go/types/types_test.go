package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
)

func TestStageTerminal(t *testing.T) {
	unittest.SmallTest(t)

	assert.True(t, StageComplete.Terminal())
	assert.True(t, StageError.Terminal())
	for _, s := range []Stage{StageProcessingData, StageInitializingMatcher, StageExtractingFeatures, StageComparingImages, StageProcessingResults, StageFinalizing} {
		assert.False(t, s.Terminal(), "stage %q should not be terminal", s)
	}
}

func TestProgressEventJSON(t *testing.T) {
	unittest.SmallTest(t)

	e := ProgressEvent{
		Type:            EventProgress,
		SessionID:       "abc-123",
		Stage:           StageComparingImages,
		Progress:        42,
		Message:         "Image 1/3: cover.jpg",
		TimestampMillis: 1700000000000,
		Stats: &Stats{
			TotalItems:      10,
			ProcessedItems:  4,
			SuccessfulItems: 3,
			FailedItems:     1,
			CurrentStage:    string(StageComparingImages),
		},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "progress", m["type"])
	assert.Equal(t, "abc-123", m["sessionId"])
	assert.Equal(t, "comparing_images", m["stage"])
	assert.Equal(t, float64(42), m["progress"])
	stats, ok := m["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(10), stats["totalItems"])
	assert.Equal(t, float64(4), stats["processedItems"])

	// Error payloads omit stats entirely.
	b, err = json.Marshal(ProgressEvent{Type: EventError, SessionID: "abc-123", Stage: StageError, Error: "boom"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &m))
	_, ok = m["stats"]
	assert.False(t, ok)
	assert.Equal(t, "boom", m["error"])
}

func TestDescriptorsEmpty(t *testing.T) {
	unittest.SmallTest(t)

	assert.True(t, Descriptors{}.Empty())
	assert.True(t, Descriptors{Count: 0, Dims: 128}.Empty())
	assert.False(t, Descriptors{Count: 3, Dims: 128, Float: make([]float32, 3*128)}.Empty())
	assert.False(t, Descriptors{Count: 3, Dims: 32, Binary: make([]byte, 3*32)}.Empty())
}

func TestFeatureSetCounts(t *testing.T) {
	unittest.SmallTest(t)

	fs := FeatureSet{
		Sift: FeatureFamily{
			Keypoints:   make([]KeyPoint, 5),
			Descriptors: Descriptors{Count: 5, Dims: 128, Float: make([]float32, 5*128)},
		},
		Orb: FeatureFamily{
			Keypoints:   make([]KeyPoint, 7),
			Descriptors: Descriptors{Count: 7, Dims: 32, Binary: make([]byte, 7*32)},
		},
	}
	assert.Equal(t, 5, fs.Sift.Count())
	assert.Equal(t, 7, fs.Orb.Count())
}
