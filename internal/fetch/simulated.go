package fetch

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/tilestream/internal/config"
)

var segmentPath = regexp.MustCompile(`tiles/(\d+)/q(\d+)/(\d+)\.m4s$`)

// Simulated is an in-process origin. It answers manifest URLs with a fixed
// document and segment URLs with zero-filled payloads sized by the
// quality's bitrate, delayed to match the configured link rate.
type Simulated struct {
	mu        sync.Mutex
	manifest  []byte
	ladder    []config.QualityLevel
	segment   time.Duration
	linkKbps  float64
	failEvery int
	served    int
}

// NewSimulated creates an origin with the given link rate in kbps.
func NewSimulated(manifest []byte, ladder []config.QualityLevel, segment time.Duration, linkKbps float64) *Simulated {
	return &Simulated{manifest: manifest, ladder: ladder, segment: segment, linkKbps: linkKbps}
}

// SetLinkKbps changes the simulated link rate.
func (s *Simulated) SetLinkKbps(kbps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkKbps = kbps
}

// LinkKbps returns the simulated link rate.
func (s *Simulated) LinkKbps() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkKbps
}

// FailEvery makes every nth segment answer 503. Zero disables failures.
func (s *Simulated) FailEvery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEvery = n
}

// Fetch implements Fetcher.
func (s *Simulated) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	if strings.HasSuffix(url, ".mpd") || strings.HasSuffix(url, ".m3u8") {
		return &Result{Status: http.StatusOK, Bytes: s.manifest, Elapsed: time.Since(start)}, nil
	}

	m := segmentPath.FindStringSubmatch(url)
	if m == nil {
		return &Result{Status: http.StatusNotFound, Elapsed: time.Since(start)}, nil
	}
	quality, _ := strconv.Atoi(m[2])
	if quality < 0 || quality >= len(s.ladder) {
		return &Result{Status: http.StatusNotFound, Elapsed: time.Since(start)}, nil
	}

	s.mu.Lock()
	s.served++
	fail := s.failEvery > 0 && s.served%s.failEvery == 0
	link := s.linkKbps
	s.mu.Unlock()

	size := int(float64(s.ladder[quality].BitrateKbps) * 1000 / 8 * s.segment.Seconds())
	if size < 1 {
		size = 1
	}
	if link > 0 {
		delay := time.Duration(float64(size) * 8 / (link * 1000) * float64(time.Second))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if fail {
		return &Result{Status: http.StatusServiceUnavailable, Elapsed: time.Since(start)}, nil
	}
	return &Result{Status: http.StatusOK, Bytes: make([]byte, size), Elapsed: time.Since(start)}, nil
}
