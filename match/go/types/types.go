// Package types holds the shared data model of the cover matching service:
// feature sets, match results, session documents and progress events.
package types

// KeyPoint is one detected interest point in an image.
type KeyPoint struct {
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	Size     float32 `json:"size"`
	Angle    float32 `json:"angle"`
	Response float32 `json:"response"`
	Octave   int32   `json:"octave"`
	ClassID  int32   `json:"class_id"`
}

// Descriptors is a dense count x dims matrix of descriptor values for one
// family. Exactly one of Float or Binary is populated: Float for the
// scale-invariant family, Binary for the binary family.
type Descriptors struct {
	Count  int
	Dims   int
	Float  []float32
	Binary []byte
}

// Empty returns true if there are no descriptors.
func (d Descriptors) Empty() bool {
	return d.Count == 0
}

// FeatureFamily holds the keypoints and descriptors of one detector family.
// Keypoints and descriptor rows correspond by index.
type FeatureFamily struct {
	Keypoints   []KeyPoint
	Descriptors Descriptors
}

// Count returns the number of keypoints in the family.
func (f FeatureFamily) Count() int {
	return len(f.Keypoints)
}

// FeatureSet holds both descriptor families extracted from one image.
type FeatureSet struct {
	Sift FeatureFamily
	Orb  FeatureFamily
}

// Shape records the pixel dimensions of the image features were extracted
// from.
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Status classifies the outcome of processing one candidate URL.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFailedDownload Status = "failed_download"
	StatusFailedFeatures Status = "failed_features"
)

// ErrorKind classifies failures surfaced to callers in HTTP responses and
// progress error payloads.
type ErrorKind string

const (
	ErrBadRequest         ErrorKind = "bad_request"
	ErrDecodeFailure      ErrorKind = "decode_failure"
	ErrFailedDownload     ErrorKind = "failed_download"
	ErrFailedFeatures     ErrorKind = "failed_features"
	ErrPersistenceFailure ErrorKind = "persistence_failure"
	ErrTransportFailure   ErrorKind = "transport_failure"
	ErrFatal              ErrorKind = "fatal"
)

// MatchDetail reports the match statistics of one descriptor family.
type MatchDetail struct {
	TotalMatches int     `json:"total_matches"`
	GoodMatches  int     `json:"good_matches"`
	Similarity   float64 `json:"similarity"`
}

// MatchDetails holds the per-family details of one comparison.
type MatchDetails struct {
	Sift MatchDetail `json:"sift"`
	Orb  MatchDetail `json:"orb"`
}

// FeatureCounts reports how many keypoints each family produced for an image.
type FeatureCounts struct {
	Sift int `json:"sift"`
	Orb  int `json:"orb"`
}

// RankedResult is one candidate URL's outcome for one query image. Cover
// metadata is filled in during the processing_results stage.
type RankedResult struct {
	URL               string        `json:"url"`
	Similarity        float64       `json:"similarity"`
	Status            Status        `json:"status"`
	MeetsThreshold    bool          `json:"meets_threshold"`
	MatchDetails      MatchDetails  `json:"match_details"`
	CandidateFeatures FeatureCounts `json:"candidate_features"`

	ComicName         string `json:"comic_name,omitempty"`
	IssueNumber       string `json:"issue_number,omitempty"`
	ComicVineID       string `json:"comic_vine_id,omitempty"`
	ParentComicVineID string `json:"parent_comic_vine_id,omitempty"`

	// CachedImageURL is the session-relative path of the candidate image
	// copied into the session directory for the report.
	CachedImageURL string `json:"cached_image_url,omitempty"`
}

// ImageResult is the outcome of matching one query image against the
// candidate set.
type ImageResult struct {
	Index         int            `json:"index"`
	QueryImageURL string         `json:"query_image_url,omitempty"`
	TopMatches    []RankedResult `json:"top_matches"`
	TotalMatches  int            `json:"total_matches"`
	Error         string         `json:"error,omitempty"`
}

// Summary aggregates the outcome of a batch of query images.
type Summary struct {
	TotalImagesProcessed  int `json:"total_images_processed"`
	SuccessfulImages      int `json:"successful_images"`
	FailedImages          int `json:"failed_images"`
	TotalMatchesAllImages int `json:"total_matches_all_images"`
	TotalCoversProcessed  int `json:"total_covers_processed"`
	TotalURLsProcessed    int `json:"total_urls_processed"`
}

// SessionResult is the persisted document capturing one session's outcome.
// It is written exactly once, at pipeline completion or on error.
type SessionResult struct {
	SessionID string        `json:"session_id"`
	Timestamp string        `json:"timestamp"`
	Threshold float64       `json:"similarity_threshold"`
	Images    []ImageResult `json:"images"`
	Summary   Summary       `json:"summary"`
	Error     string        `json:"error,omitempty"`
}

// Stage identifies a phase of the match pipeline.
type Stage string

const (
	StageProcessingData      Stage = "processing_data"
	StageInitializingMatcher Stage = "initializing_matcher"
	StageExtractingFeatures  Stage = "extracting_features"
	StageComparingImages     Stage = "comparing_images"
	StageProcessingResults   Stage = "processing_results"
	StageFinalizing          Stage = "finalizing"
	StageComplete            Stage = "complete"
	StageError               Stage = "error"
)

// Terminal returns true for the stages that end a session.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Event type strings used in SSE frames.
const (
	EventProgress  = "progress"
	EventComplete  = "complete"
	EventError     = "error"
	EventHeartbeat = "heartbeat"
)

// Stats are the structured fields extracted from progress messages.
type Stats struct {
	TotalItems      int    `json:"totalItems,omitempty"`
	ProcessedItems  int    `json:"processedItems,omitempty"`
	SuccessfulItems int    `json:"successfulItems,omitempty"`
	FailedItems     int    `json:"failedItems,omitempty"`
	CurrentStage    string `json:"currentStage,omitempty"`
}

// ProgressEvent is one update in a session's progress stream.
type ProgressEvent struct {
	Type            string  `json:"type"`
	SessionID       string  `json:"sessionId"`
	Stage           Stage   `json:"stage"`
	Progress        float64 `json:"progress"`
	Message         string  `json:"message,omitempty"`
	Error           string  `json:"error,omitempty"`
	Stats           *Stats  `json:"stats,omitempty"`
	TimestampMillis int64   `json:"timestamp"`
}
