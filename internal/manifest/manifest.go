// Package manifest renders tile grids and quality ladders into DASH and
// LL-HLS documents, and reads those documents back into a session
// description.
package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/tilestream/internal/config"
)

// Template identifiers expanded by SegmentURL.
const (
	RepresentationIDVar = "$RepresentationID$"
	NumberVar           = "$Number$"
)

// MinSegmentDuration is the shortest segment a parsed manifest may declare.
// Shorter values come from broken timescales and would flood the origin.
const MinSegmentDuration = 100 * time.Millisecond

// Options control URL layout and timing of generated manifests.
type Options struct {
	// SegmentDuration is the nominal duration of every media segment.
	SegmentDuration time.Duration
	// PartDuration is the LL-HLS partial segment target.
	PartDuration time.Duration
	// MinBufferTime is advertised in the MPD.
	MinBufferTime time.Duration
	// BaseURL, when set, is written as the MPD BaseURL.
	BaseURL string
	// StartNumber is the first segment number.
	StartNumber int
}

// DefaultOptions derives manifest options from engine configuration.
func DefaultOptions(cfg *config.EngineConfig) Options {
	return Options{
		SegmentDuration: cfg.SegmentDuration,
		PartDuration:    cfg.PartDuration,
		MinBufferTime:   cfg.MinBuffer,
		StartNumber:     1,
	}
}

// RepresentationID names a quality tier inside a tile.
func RepresentationID(quality int) string {
	return "q" + strconv.Itoa(quality)
}

// MediaTemplate is the per-tile segment template, relative to the manifest.
func MediaTemplate(tileID int) string {
	return fmt.Sprintf("tiles/%d/%s/%s.m4s", tileID, RepresentationIDVar, NumberVar)
}

// InitTemplate is the per-tile initialization segment template.
func InitTemplate(tileID int) string {
	return fmt.Sprintf("tiles/%d/%s/init.mp4", tileID, RepresentationIDVar)
}

// PlaylistURI is the LL-HLS media playlist of one tile at one quality.
func PlaylistURI(tileID, quality int) string {
	return fmt.Sprintf("tiles/%d/%s/playlist.m3u8", tileID, RepresentationID(quality))
}

// ExpandTemplate substitutes representation id and segment number.
func ExpandTemplate(template string, quality, number int) string {
	s := strings.ReplaceAll(template, RepresentationIDVar, RepresentationID(quality))
	return strings.ReplaceAll(s, NumberVar, strconv.Itoa(number))
}

// Description is what a session needs to know about a stream.
type Description struct {
	Protocol         string
	GridCols         int
	GridRows         int
	ProjectionWidth  int
	ProjectionHeight int
	Ladder           []config.QualityLevel
	SegmentDuration  time.Duration
	StartNumber      int

	base      *url.URL
	templates map[int]string
}

// SegmentURL returns the absolute URL of a segment.
func (d *Description) SegmentURL(tileID, quality, number int) (string, error) {
	tpl, ok := d.templates[tileID]
	if !ok {
		return "", fmt.Errorf("no segment template for tile %d", tileID)
	}
	ref, err := url.Parse(ExpandTemplate(tpl, quality, number))
	if err != nil {
		return "", fmt.Errorf("invalid segment url for tile %d: %w", tileID, err)
	}
	if d.base == nil {
		return ref.String(), nil
	}
	return d.base.ResolveReference(ref).String(), nil
}

// Template returns the raw segment template of a tile.
func (d *Description) Template(tileID int) (string, bool) {
	tpl, ok := d.templates[tileID]
	return tpl, ok
}

// Parse reads an MPD or multivariant playlist produced by this package.
// manifestURL is used to resolve relative segment URLs and may be empty.
func Parse(data []byte, manifestURL string) (*Description, error) {
	var base *url.URL
	if manifestURL != "" {
		u, err := url.Parse(manifestURL)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest url: %w", err)
		}
		base = u
	}

	trimmed := bytes.TrimSpace(data)
	var (
		desc *Description
		err  error
	)
	switch {
	case bytes.HasPrefix(trimmed, []byte("#EXTM3U")):
		desc, err = parseMultivariant(string(trimmed), base)
	case bytes.HasPrefix(trimmed, []byte("<")):
		desc, err = parseMPD(trimmed, base)
	default:
		return nil, fmt.Errorf("unrecognized manifest format")
	}
	if err != nil {
		return nil, err
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

func (d *Description) validate() error {
	if d.GridCols <= 0 || d.GridRows <= 0 {
		return fmt.Errorf("manifest has no tile grid")
	}
	if len(d.templates) != d.GridCols*d.GridRows {
		return fmt.Errorf("manifest describes %d tiles, grid %dx%d needs %d",
			len(d.templates), d.GridCols, d.GridRows, d.GridCols*d.GridRows)
	}
	if len(d.Ladder) == 0 {
		return fmt.Errorf("manifest has no quality levels")
	}
	if d.SegmentDuration <= 0 {
		return fmt.Errorf("manifest has no segment duration")
	}
	if d.SegmentDuration < MinSegmentDuration {
		return fmt.Errorf("manifest segment duration %s is below the %s minimum", d.SegmentDuration, MinSegmentDuration)
	}
	return nil
}

// formatSeconds renders a duration as seconds with three decimals.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
