package manifest

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/tile"
)

const (
	mpdNamespace = "urn:mpeg:dash:schema:mpd:2011"
	liveProfile  = "urn:mpeg:dash:profile:isoff-live:2011"
	// SRDScheme identifies the spatial relationship descriptor.
	SRDScheme = "urn:mpeg:dash:srd:2014"

	dashTimescale = 1000
)

type mpd struct {
	XMLName       xml.Name `xml:"MPD"`
	Xmlns         string   `xml:"xmlns,attr,omitempty"`
	Profiles      string   `xml:"profiles,attr"`
	Type          string   `xml:"type,attr"`
	MinBufferTime string   `xml:"minBufferTime,attr"`
	BaseURL       string   `xml:"BaseURL,omitempty"`
	Periods       []period `xml:"Period"`
}

type period struct {
	ID             string          `xml:"id,attr"`
	AdaptationSets []adaptationSet `xml:"AdaptationSet"`
}

type adaptationSet struct {
	ID                     int              `xml:"id,attr"`
	ContentType            string           `xml:"contentType,attr"`
	MimeType               string           `xml:"mimeType,attr"`
	SegmentAlignment       bool             `xml:"segmentAlignment,attr"`
	StartWithSAP           int              `xml:"startWithSAP,attr"`
	SupplementalProperties []descriptor     `xml:"SupplementalProperty"`
	SegmentTemplate        *segmentTemplate `xml:"SegmentTemplate"`
	Representations        []representation `xml:"Representation"`
}

type descriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

type segmentTemplate struct {
	Media          string `xml:"media,attr"`
	Initialization string `xml:"initialization,attr,omitempty"`
	Timescale      int64  `xml:"timescale,attr"`
	Duration       int64  `xml:"duration,attr"`
	StartNumber    int    `xml:"startNumber,attr"`
}

type representation struct {
	ID        string `xml:"id,attr"`
	Bandwidth int64  `xml:"bandwidth,attr"`
	Width     int    `xml:"width,attr"`
	Height    int    `xml:"height,attr"`
}

// BuildDASH renders one AdaptationSet per tile, each carrying an SRD
// descriptor for the tile's pixel rectangle and one Representation per
// ladder entry. Output is deterministic for identical input.
func BuildDASH(g *tile.Grid, ladder []config.QualityLevel, opts Options) ([]byte, error) {
	if g == nil || g.Len() == 0 {
		return nil, fmt.Errorf("grid is empty")
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("quality ladder is empty")
	}
	if opts.SegmentDuration <= 0 {
		return nil, fmt.Errorf("segment duration must be positive")
	}

	start := opts.StartNumber
	if start <= 0 {
		start = 1
	}

	doc := mpd{
		Xmlns:         mpdNamespace,
		Profiles:      liveProfile,
		Type:          "static",
		MinBufferTime: isoDuration(opts.MinBufferTime),
		BaseURL:       opts.BaseURL,
	}

	p := period{ID: "0"}
	for _, t := range g.Tiles() {
		set := adaptationSet{
			ID:               t.ID,
			ContentType:      "video",
			MimeType:         "video/mp4",
			SegmentAlignment: true,
			StartWithSAP:     1,
			SupplementalProperties: []descriptor{{
				SchemeIDURI: SRDScheme,
				Value:       srdValue(t.Rect, g.Width(), g.Height()),
			}},
			SegmentTemplate: &segmentTemplate{
				Media:          MediaTemplate(t.ID),
				Initialization: InitTemplate(t.ID),
				Timescale:      dashTimescale,
				Duration:       opts.SegmentDuration.Milliseconds(),
				StartNumber:    start,
			},
		}
		for i, q := range ladder {
			set.Representations = append(set.Representations, representation{
				ID:        RepresentationID(i),
				Bandwidth: int64(q.BitrateKbps) * 1000,
				Width:     q.Width,
				Height:    q.Height,
			})
		}
		p.AdaptationSets = append(p.AdaptationSets, set)
	}
	doc.Periods = []period{p}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode mpd: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// srdValue is source_id,x,y,w,h,total_w,total_h.
func srdValue(r tile.PixelRect, totalW, totalH int) string {
	return fmt.Sprintf("0,%d,%d,%d,%d,%d,%d", r.X, r.Y, r.Width, r.Height, totalW, totalH)
}

func isoDuration(d time.Duration) string {
	return "PT" + strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "S"
}

func parseMPD(data []byte, base *url.URL) (*Description, error) {
	var doc mpd
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode mpd: %w", err)
	}
	if len(doc.Periods) == 0 {
		return nil, fmt.Errorf("mpd has no period")
	}

	if doc.BaseURL != "" {
		ref, err := url.Parse(doc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid mpd base url: %w", err)
		}
		if base != nil {
			base = base.ResolveReference(ref)
		} else {
			base = ref
		}
	}

	desc := &Description{
		Protocol:  config.ProtocolDASH,
		base:      base,
		templates: make(map[int]string),
	}
	xs := make(map[int]struct{})
	ys := make(map[int]struct{})

	for _, set := range doc.Periods[0].AdaptationSets {
		srd, ok := findSRD(set.SupplementalProperties)
		if !ok {
			continue
		}
		if set.SegmentTemplate == nil {
			return nil, fmt.Errorf("adaptation set %d has no segment template", set.ID)
		}
		if _, dup := desc.templates[set.ID]; dup {
			return nil, fmt.Errorf("duplicate adaptation set %d", set.ID)
		}

		xs[srd[1]] = struct{}{}
		ys[srd[2]] = struct{}{}
		desc.ProjectionWidth, desc.ProjectionHeight = srd[5], srd[6]
		desc.templates[set.ID] = set.SegmentTemplate.Media

		if desc.Ladder == nil {
			ladder, err := ladderFromRepresentations(set.Representations)
			if err != nil {
				return nil, fmt.Errorf("adaptation set %d: %w", set.ID, err)
			}
			desc.Ladder = ladder

			ts := set.SegmentTemplate.Timescale
			if ts <= 0 {
				ts = 1
			}
			desc.SegmentDuration = time.Duration(set.SegmentTemplate.Duration) * time.Second / time.Duration(ts)
			desc.StartNumber = set.SegmentTemplate.StartNumber
		}
	}

	desc.GridCols, desc.GridRows = len(xs), len(ys)
	return desc, nil
}

func findSRD(props []descriptor) ([7]int, bool) {
	var out [7]int
	for _, p := range props {
		if p.SchemeIDURI != SRDScheme {
			continue
		}
		parts := strings.Split(p.Value, ",")
		if len(parts) != 7 {
			return out, false
		}
		for i, s := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return out, false
			}
			out[i] = n
		}
		return out, true
	}
	return out, false
}

func ladderFromRepresentations(reps []representation) ([]config.QualityLevel, error) {
	type indexed struct {
		index int
		level config.QualityLevel
	}
	var levels []indexed
	for _, r := range reps {
		idx, err := strconv.Atoi(strings.TrimPrefix(r.ID, "q"))
		if err != nil || !strings.HasPrefix(r.ID, "q") {
			return nil, fmt.Errorf("unexpected representation id %q", r.ID)
		}
		levels = append(levels, indexed{idx, config.QualityLevel{
			Width:       r.Width,
			Height:      r.Height,
			BitrateKbps: int(r.Bandwidth / 1000),
		}})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].index < levels[j].index })

	out := make([]config.QualityLevel, len(levels))
	for i, l := range levels {
		if l.index != i {
			return nil, fmt.Errorf("representation ids are not contiguous")
		}
		out[i] = l.level
	}
	return out, nil
}
