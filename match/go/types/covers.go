package types

import (
	"encoding/json"
	"strings"

	"github.com/infernokun/inferno-comics-match/go/util"
)

// Cover is one candidate comic cover from the upstream catalog.
type Cover struct {
	Name              string   `json:"name"`
	IssueNumber       string   `json:"issue_number"`
	URLs              []string `json:"urls"`
	ComicVineID       string   `json:"comic_vine_id,omitempty"`
	ParentComicVineID string   `json:"parent_comic_vine_id,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// UnmarshalJSON normalizes the two shapes the catalog sends: a single "url"
// string or a "urls" array, and id/issue fields that arrive as either JSON
// strings or numbers.
func (c *Cover) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name              string          `json:"name"`
		IssueNumber       json.RawMessage `json:"issue_number"`
		URL               string          `json:"url"`
		URLs              []string        `json:"urls"`
		ComicVineID       json.RawMessage `json:"comic_vine_id"`
		ParentComicVineID json.RawMessage `json:"parent_comic_vine_id"`
		Error             string          `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.Name = raw.Name
	c.IssueNumber = flexString(raw.IssueNumber)
	c.ComicVineID = flexString(raw.ComicVineID)
	c.ParentComicVineID = flexString(raw.ParentComicVineID)
	c.Error = raw.Error
	c.URLs = raw.URLs
	if len(c.URLs) == 0 && raw.URL != "" {
		c.URLs = []string{raw.URL}
	}
	return nil
}

// flexString renders a JSON value that may be a string or a number as a
// plain string.
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}

// CandidateURL is one unit of comparison work: a single image URL plus a
// reference to the cover it came from.
type CandidateURL struct {
	URL   string
	Cover *Cover
}

// FlattenCovers expands covers into one CandidateURL per URL, preserving
// input order. Covers that carry an upstream error or no URLs are skipped,
// and a URL appearing more than once is kept only at its first position.
func FlattenCovers(covers []Cover) []CandidateURL {
	seen := util.StringSet{}
	ret := make([]CandidateURL, 0, len(covers))
	for i := range covers {
		cover := &covers[i]
		if cover.Error != "" {
			continue
		}
		for _, u := range cover.URLs {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			ret = append(ret, CandidateURL{URL: u, Cover: cover})
		}
	}
	return ret
}

// ParseCovers decodes the candidate_covers JSON payload.
func ParseCovers(b []byte) ([]Cover, error) {
	var covers []Cover
	if err := json.Unmarshal(b, &covers); err != nil {
		return nil, err
	}
	return covers, nil
}
