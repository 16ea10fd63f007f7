package feature

import (
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// Extractor runs the enabled detector families over a preprocessed plane.
type Extractor struct {
	sift *SiftExtractor
	orb  *OrbExtractor
}

// NewExtractor builds an extractor from the detector configuration. A
// disabled family always yields an empty FeatureFamily.
func NewExtractor(cfg config.Detectors) *Extractor {
	e := &Extractor{}
	if cfg.Sift.Enabled {
		e.sift = NewSift(cfg.Sift.Features)
	}
	if cfg.Orb.Enabled {
		e.orb = NewOrb(cfg.Orb.Features)
	}
	return e
}

// Extract computes both families. Extraction never fails outright: a family
// that finds no structure contributes an empty set and matching degrades
// gracefully downstream.
func (e *Extractor) Extract(p *imgproc.Plane) types.FeatureSet {
	var fs types.FeatureSet
	if e.sift != nil {
		fs.Sift = e.sift.Extract(p)
	}
	if e.orb != nil {
		fs.Orb = e.orb.Extract(p)
	}
	return fs
}
