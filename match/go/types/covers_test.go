package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils"
	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
)

func TestCoverUnmarshalJSON(t *testing.T) {
	unittest.SmallTest(t)

	tests := []struct {
		name     string
		input    string
		expected Cover
	}{
		{
			name:  "single url string",
			input: `{"name": "Saga", "issue_number": "1", "url": "http://example.com/a.jpg"}`,
			expected: Cover{
				Name:        "Saga",
				IssueNumber: "1",
				URLs:        []string{"http://example.com/a.jpg"},
			},
		},
		{
			name:  "urls array",
			input: `{"name": "Saga", "issue_number": "2", "urls": ["http://example.com/a.jpg", "http://example.com/b.jpg"]}`,
			expected: Cover{
				Name:        "Saga",
				IssueNumber: "2",
				URLs:        []string{"http://example.com/a.jpg", "http://example.com/b.jpg"},
			},
		},
		{
			name:  "urls array wins over url string",
			input: `{"name": "Saga", "url": "http://example.com/ignored.jpg", "urls": ["http://example.com/a.jpg"]}`,
			expected: Cover{
				Name: "Saga",
				URLs: []string{"http://example.com/a.jpg"},
			},
		},
		{
			name:  "numeric issue number and ids",
			input: `{"name": "Saga", "issue_number": 12, "urls": ["http://example.com/a.jpg"], "comic_vine_id": 4321, "parent_comic_vine_id": 99}`,
			expected: Cover{
				Name:              "Saga",
				IssueNumber:       "12",
				URLs:              []string{"http://example.com/a.jpg"},
				ComicVineID:       "4321",
				ParentComicVineID: "99",
			},
		},
		{
			name:  "string ids pass through",
			input: `{"name": "Saga", "issue_number": "1a", "urls": ["http://example.com/a.jpg"], "comic_vine_id": "4321"}`,
			expected: Cover{
				Name:        "Saga",
				IssueNumber: "1a",
				URLs:        []string{"http://example.com/a.jpg"},
				ComicVineID: "4321",
			},
		},
		{
			name:  "error cover with no urls",
			input: `{"name": "Saga", "error": "upstream lookup failed"}`,
			expected: Cover{
				Name:  "Saga",
				Error: "upstream lookup failed",
			},
		},
		{
			name:     "null issue number",
			input:    `{"name": "Saga", "issue_number": null, "urls": ["http://example.com/a.jpg"]}`,
			expected: Cover{Name: "Saga", URLs: []string{"http://example.com/a.jpg"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got Cover
			require.NoError(t, json.Unmarshal([]byte(tc.input), &got))
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestParseCovers(t *testing.T) {
	unittest.SmallTest(t)

	covers, err := ParseCovers([]byte(testutils.MustReadFile("covers.json")))
	require.NoError(t, err)
	testutils.AssertDeepEqual(t, []Cover{
		{
			Name:              "Saga",
			IssueNumber:       "1",
			URLs:              []string{"https://covers.example.com/saga-1.jpg"},
			ComicVineID:       "371103",
			ParentComicVineID: "53160",
		},
		{
			Name:        "Paper Girls",
			IssueNumber: "2",
			URLs: []string{
				"https://covers.example.com/paper-girls-2a.jpg",
				"https://covers.example.com/paper-girls-2b.jpg",
			},
			ComicVineID: "520490",
		},
		{
			Name:  "Monstress",
			Error: "upstream lookup failed",
		},
	}, covers)

	_, err = ParseCovers([]byte(`{"not": "an array"}`))
	assert.Error(t, err)
}

func TestFlattenCovers(t *testing.T) {
	unittest.SmallTest(t)

	covers := []Cover{
		{Name: "A", URLs: []string{"http://example.com/1.jpg", "http://example.com/2.jpg"}},
		{Name: "B", Error: "lookup failed", URLs: []string{"http://example.com/3.jpg"}},
		{Name: "C", URLs: nil},
		{Name: "D", URLs: []string{"http://example.com/2.jpg", "http://example.com/4.jpg", ""}},
	}

	flat := FlattenCovers(covers)
	require.Len(t, flat, 3)

	assert.Equal(t, "http://example.com/1.jpg", flat[0].URL)
	assert.Equal(t, "A", flat[0].Cover.Name)
	assert.Equal(t, "http://example.com/2.jpg", flat[1].URL)
	assert.Equal(t, "A", flat[1].Cover.Name)
	assert.Equal(t, "http://example.com/4.jpg", flat[2].URL)
	assert.Equal(t, "D", flat[2].Cover.Name)
}

func TestFlattenCoversEmpty(t *testing.T) {
	unittest.SmallTest(t)

	assert.Empty(t, FlattenCovers(nil))
	assert.Empty(t, FlattenCovers([]Cover{{Name: "A", Error: "nope"}}))
}
