package manifest

import (
	"bufio"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/tile"
)

const (
	hlsVersion = 9
	// TileTag carries grid dimensions and the tile index.
	TileTag = "#EXT-X-TILE360"
)

// Part is an LL-HLS partial segment.
type Part struct {
	URI         string
	Duration    time.Duration
	Independent bool
}

// Segment is one media segment of a tile playlist. A final segment with an
// empty URI is still being produced and only its parts are listed.
type Segment struct {
	Number   int
	URI      string
	Duration time.Duration
	Parts    []Part
}

// LLHLSOptions are the low-latency parameters of a media playlist.
type LLHLSOptions struct {
	PartTarget     time.Duration
	MapURI         string
	PreloadHintURI string
}

// BuildLLHLS renders the low-latency media playlist of one tile.
func BuildLLHLS(g *tile.Grid, tileID int, segments []Segment, targetDuration time.Duration, opts LLHLSOptions) (string, error) {
	if g == nil {
		return "", fmt.Errorf("grid is nil")
	}
	if _, err := g.Tile(tileID); err != nil {
		return "", err
	}
	if targetDuration <= 0 {
		return "", fmt.Errorf("target duration must be positive")
	}
	if opts.PartTarget <= 0 {
		return "", fmt.Errorf("part target must be positive")
	}

	target := int(math.Ceil(targetDuration.Seconds()))
	sequence := 0
	if len(segments) > 0 {
		sequence = segments[0].Number
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=%s,HOLD-BACK=%s\n",
		formatSeconds(3*opts.PartTarget), formatSeconds(time.Duration(3*target)*time.Second))
	fmt.Fprintf(&b, "#EXT-X-PART-INF:PART-TARGET=%s\n", formatSeconds(opts.PartTarget))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", sequence)
	if opts.MapURI != "" {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", opts.MapURI)
	}
	fmt.Fprintf(&b, "%s:GRID=%dx%d,INDEX=%d\n", TileTag, g.Cols(), g.Rows(), tileID)

	for _, seg := range segments {
		for _, p := range seg.Parts {
			fmt.Fprintf(&b, "#EXT-X-PART:DURATION=%s,URI=%q", formatSeconds(p.Duration), p.URI)
			if p.Independent {
				b.WriteString(",INDEPENDENT=YES")
			}
			b.WriteString("\n")
		}
		if seg.URI == "" {
			continue
		}
		fmt.Fprintf(&b, "#EXTINF:%s,\n", formatSeconds(seg.Duration))
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if opts.PreloadHintURI != "" {
		fmt.Fprintf(&b, "#EXT-X-PRELOAD-HINT:TYPE=PART,URI=%q\n", opts.PreloadHintURI)
	}
	return b.String(), nil
}

// BuildHLSMultivariant lists every tile at every quality. Each tile's
// variants are preceded by a tile tag describing the grid, projection,
// segment timing and segment template.
func BuildHLSMultivariant(g *tile.Grid, ladder []config.QualityLevel, opts Options) (string, error) {
	if g == nil || g.Len() == 0 {
		return "", fmt.Errorf("grid is empty")
	}
	if len(ladder) == 0 {
		return "", fmt.Errorf("quality ladder is empty")
	}
	if opts.SegmentDuration <= 0 {
		return "", fmt.Errorf("segment duration must be positive")
	}
	start := opts.StartNumber
	if start <= 0 {
		start = 1
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	for _, t := range g.Tiles() {
		fmt.Fprintf(&b, "%s:GRID=%dx%d,INDEX=%d,PROJECTION=%dx%d,SEGMENT-DURATION=%s,START-NUMBER=%d,TEMPLATE=%q\n",
			TileTag, g.Cols(), g.Rows(), t.ID, g.Width(), g.Height(),
			formatSeconds(opts.SegmentDuration), start, MediaTemplate(t.ID))
		for i, q := range ladder {
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", q.BitrateKbps*1000, q.Width, q.Height)
			b.WriteString(PlaylistURI(t.ID, i))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func parseMultivariant(data string, base *url.URL) (*Description, error) {
	desc := &Description{
		Protocol:  config.ProtocolLLHLS,
		base:      base,
		templates: make(map[int]string),
	}

	current := -1
	firstTile := -1
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, TileTag+":"):
			attrs := parseAttributes(strings.TrimPrefix(line, TileTag+":"))
			id, err := strconv.Atoi(attrs["INDEX"])
			if err != nil {
				return nil, fmt.Errorf("invalid tile index %q", attrs["INDEX"])
			}
			if _, dup := desc.templates[id]; dup {
				return nil, fmt.Errorf("duplicate tile %d", id)
			}
			if desc.GridCols, desc.GridRows, err = parseDims(attrs["GRID"]); err != nil {
				return nil, fmt.Errorf("tile %d grid: %w", id, err)
			}
			if desc.ProjectionWidth, desc.ProjectionHeight, err = parseDims(attrs["PROJECTION"]); err != nil {
				return nil, fmt.Errorf("tile %d projection: %w", id, err)
			}
			secs, err := strconv.ParseFloat(attrs["SEGMENT-DURATION"], 64)
			if err != nil {
				return nil, fmt.Errorf("tile %d segment duration: %w", id, err)
			}
			desc.SegmentDuration = time.Duration(secs * float64(time.Second))
			if n, err := strconv.Atoi(attrs["START-NUMBER"]); err == nil {
				desc.StartNumber = n
			}
			if attrs["TEMPLATE"] == "" {
				return nil, fmt.Errorf("tile %d has no segment template", id)
			}
			desc.templates[id] = attrs["TEMPLATE"]
			current = id
			if firstTile < 0 {
				firstTile = id
			}

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			if current < 0 || current != firstTile {
				continue
			}
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			bw, err := strconv.Atoi(attrs["BANDWIDTH"])
			if err != nil {
				return nil, fmt.Errorf("invalid variant bandwidth %q", attrs["BANDWIDTH"])
			}
			w, h, err := parseDims(attrs["RESOLUTION"])
			if err != nil {
				return nil, fmt.Errorf("variant resolution: %w", err)
			}
			desc.Ladder = append(desc.Ladder, config.QualityLevel{Width: w, Height: h, BitrateKbps: bw / 1000})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return desc, nil
}

// parseAttributes splits an HLS attribute list, honoring quoted values.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
			s = strings.TrimPrefix(s, ",")
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			val, s = s[:comma], s[comma+1:]
		} else {
			val, s = s, ""
		}
		attrs[key] = val
	}
	return attrs
}

func parseDims(s string) (int, int, error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid dimensions %q", s)
	}
	wi, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid dimensions %q", s)
	}
	hi, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid dimensions %q", s)
	}
	return wi, hi, nil
}
