package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

func TestPrintRankingMarksThresholdMatches(t *testing.T) {
	unittest.SmallTest(t)

	ir := types.ImageResult{
		TotalMatches: 3,
		TopMatches: []types.RankedResult{
			{
				URL:            "https://covers.example.com/1.jpg",
				Similarity:     0.91,
				Status:         types.StatusSuccess,
				MeetsThreshold: true,
				ComicName:      "Swamp Thing",
				IssueNumber:    "21",
			},
			{
				URL:        "https://covers.example.com/2.jpg",
				Similarity: 0.40,
				Status:     types.StatusSuccess,
			},
			{
				URL:    "https://covers.example.com/3.jpg",
				Status: types.StatusFailedDownload,
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printRanking(&buf, ir, 2))

	out := buf.String()
	assert.Contains(t, out, "0.9100*")
	assert.Contains(t, out, "Swamp Thing")
	assert.Contains(t, out, "0.4000")
	// Truncated to the top two rows.
	assert.NotContains(t, out, "3.jpg")
	assert.Contains(t, out, "3 candidate URLs processed")
}

func TestMatchCommandRequiresCovers(t *testing.T) {
	unittest.SmallTest(t)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"match", "photo.jpg"})
	require.Error(t, root.Execute())
}
