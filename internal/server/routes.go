package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/manifest"
	"github.com/zsiec/tilestream/pkg/version"
)

const (
	contentTypeMPD     = "application/dash+xml"
	contentTypeM3U8    = "application/vnd.apple.mpegurl"
	contentTypeSegment = "video/iso.segment"
	contentTypeInit    = "video/mp4"

	initSegmentBytes = 1024
)

// handleVersion handles the /version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.GetInfo()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if err := json.NewEncoder(w).Encode(versionInfo); err != nil {
		s.logger.WithError(err).Error("Failed to encode version response")
		s.errorHandler.HandleError(w, r, err)
	}
}

func (s *Server) manifestOptions() manifest.Options {
	opts := manifest.DefaultOptions(&s.config.Engine)
	opts.BaseURL = s.config.Server.SegmentBaseURL
	return opts
}

// handleDASHManifest serves the MPD of the configured grid and ladder.
func (s *Server) handleDASHManifest(w http.ResponseWriter, r *http.Request) {
	body, err := manifest.BuildDASH(s.grid, s.config.Engine.QualityLadder, s.manifestOptions())
	if err != nil {
		s.writeError(w, r, errors.WrapInternalError(err, "failed to build manifest"))
		return
	}
	s.writeBody(w, contentTypeMPD, "no-cache", body)
}

// handleMultivariant serves the LL-HLS multivariant playlist.
func (s *Server) handleMultivariant(w http.ResponseWriter, r *http.Request) {
	body, err := manifest.BuildHLSMultivariant(s.grid, s.config.Engine.QualityLadder, s.manifestOptions())
	if err != nil {
		s.writeError(w, r, errors.WrapInternalError(err, "failed to build playlist"))
		return
	}
	s.writeBody(w, contentTypeM3U8, "no-cache", []byte(body))
}

// handleTilePlaylist serves the live LL-HLS media playlist of one tile. The
// live edge advances with wall-clock time since the server started. Without
// a representation in the path the highest tier is served.
func (s *Server) handleTilePlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tileID, _ := strconv.Atoi(vars["tile"])
	prefix := ""
	quality := 0
	if rep, ok := vars["rep"]; ok {
		q, ok := s.parseRepresentation(rep)
		if !ok {
			s.writeError(w, r, errors.NewNotFoundError("representation "+rep))
			return
		}
		quality = q
	} else {
		prefix = manifest.RepresentationID(quality) + "/"
	}
	if _, err := s.grid.Tile(tileID); err != nil {
		s.writeError(w, r, errors.NewNotFoundError("tile "+vars["tile"]))
		return
	}

	segments, hint := liveWindow(time.Since(s.epoch), s.config.Engine.SegmentDuration,
		s.config.Engine.PartDuration, s.config.Server.PlaylistWindow, prefix)
	body, err := manifest.BuildLLHLS(s.grid, tileID, segments, s.config.Engine.SegmentDuration, manifest.LLHLSOptions{
		PartTarget:     s.config.Engine.PartDuration,
		MapURI:         prefix + "init.mp4",
		PreloadHintURI: hint,
	})
	if err != nil {
		s.writeError(w, r, errors.WrapInternalError(err, "failed to build playlist"))
		return
	}
	s.writeBody(w, contentTypeM3U8, "no-cache", []byte(body))
}

// liveWindow lists the last window complete segments before the live edge
// followed by the parts of the segment in progress, and returns the URI of
// the next expected part.
func liveWindow(elapsed, segDur, partDur time.Duration, window int, prefix string) ([]manifest.Segment, string) {
	current := int(elapsed/segDur) + 1
	into := elapsed % segDur
	first := current - window
	if first < 1 {
		first = 1
	}

	partsPerSegment := int((segDur + partDur - 1) / partDur)
	parts := func(number, count int) []manifest.Part {
		out := make([]manifest.Part, 0, count)
		for k := 0; k < count; k++ {
			d := partDur
			if rest := segDur - time.Duration(k)*partDur; rest < d {
				d = rest
			}
			out = append(out, manifest.Part{
				URI:         prefix + strconv.Itoa(number) + "." + strconv.Itoa(k) + ".m4s",
				Duration:    d,
				Independent: k == 0,
			})
		}
		return out
	}

	segments := make([]manifest.Segment, 0, current-first+1)
	for n := first; n < current; n++ {
		seg := manifest.Segment{Number: n, URI: prefix + strconv.Itoa(n) + ".m4s", Duration: segDur}
		if n == current-1 {
			seg.Parts = parts(n, partsPerSegment)
		}
		segments = append(segments, seg)
	}

	done := int(into / partDur)
	if done > 0 {
		segments = append(segments, manifest.Segment{Number: current, Parts: parts(current, done)})
	}
	hint := prefix + strconv.Itoa(current) + "." + strconv.Itoa(done) + ".m4s"
	return segments, hint
}

// handleSegment serves placeholder media sized from the ladder bitrate.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tileID, _ := strconv.Atoi(vars["tile"])
	if _, err := s.grid.Tile(tileID); err != nil {
		s.writeError(w, r, errors.NewNotFoundError("tile "+vars["tile"]))
		return
	}
	quality, ok := s.parseRepresentation(vars["rep"])
	if !ok {
		s.writeError(w, r, errors.NewNotFoundError("representation "+vars["rep"]))
		return
	}

	name := vars["segment"]
	if name == "init.mp4" {
		s.writeBody(w, contentTypeInit, "public, max-age=3600", bytes.Repeat([]byte{byte(tileID)}, initSegmentBytes))
		return
	}

	duration, ok := s.segmentDuration(name)
	if !ok {
		s.writeError(w, r, errors.NewNotFoundError("segment "+name))
		return
	}
	bitrate := int64(s.config.Engine.QualityLadder[quality].BitrateKbps)
	size := bitrate * 1000 / 8 * duration.Milliseconds() / 1000
	if size < 1 {
		size = 1
	}
	s.writeBody(w, contentTypeSegment, "public, max-age=3600", bytes.Repeat([]byte{byte(tileID)}, int(size)))
}

// segmentDuration parses "<n>.m4s" and "<n>.<part>.m4s".
func (s *Server) segmentDuration(name string) (time.Duration, bool) {
	base, ok := strings.CutSuffix(name, ".m4s")
	if !ok {
		return 0, false
	}
	fields := strings.Split(base, ".")
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err != nil || n < 0 {
			return 0, false
		}
	}
	switch len(fields) {
	case 1:
		return s.config.Engine.SegmentDuration, true
	case 2:
		return s.config.Engine.PartDuration, true
	default:
		return 0, false
	}
}

func (s *Server) parseRepresentation(rep string) (int, bool) {
	q, err := strconv.Atoi(strings.TrimPrefix(rep, "q"))
	if err != nil || q < 0 || q >= len(s.config.Engine.QualityLadder) {
		return 0, false
	}
	return q, true
}

func (s *Server) writeBody(w http.ResponseWriter, contentType, cacheControl string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.WithError(err).Debug("Failed to write response body")
	}
}

// writeJSON is a helper to write JSON responses
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError is a helper to write error responses
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
