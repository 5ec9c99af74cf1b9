package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/quality"
	"github.com/zsiec/tilestream/internal/scheduler"
	"github.com/zsiec/tilestream/internal/telemetry"
	"github.com/zsiec/tilestream/internal/viewport"
)

// OnViewportUpdate records the latest camera orientation. It never blocks;
// the control loop applies the newest value at most ViewportRateHz times a
// second. In-flight downloads are never cancelled by a viewport change.
func (e *Engine) OnViewportUpdate(o viewport.Orientation) {
	if o == nil {
		return
	}
	e.mu.Lock()
	e.latest = o
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// ConsumePlayback reports that d of media has been played on every tile.
func (e *Engine) ConsumePlayback(d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePlaying {
		return apperrors.NewInvalidStateError("consume playback", e.state.String())
	}
	if d <= 0 {
		return nil
	}
	e.buffers.Consume(d)
	e.playing = true
	e.checkStarvationLocked()
	e.fillLocked()
	return nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}, limiter *rate.Limiter) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / e.cfg.ViewportRateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.signal:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			e.mu.Lock()
			if ctx.Err() == nil {
				e.applyLocked()
			}
			e.mu.Unlock()
		case <-ticker.C:
			if e.source != nil {
				if o, ok := e.source.Orientation(); ok {
					e.OnViewportUpdate(o)
				}
			}
			e.mu.Lock()
			if ctx.Err() == nil {
				e.checkStarvationLocked()
				e.fillLocked()
			}
			e.mu.Unlock()
		}
	}
}

// applyLocked consumes the pending orientation, if any, and runs one
// viewport update cycle.
func (e *Engine) applyLocked() {
	if e.state != StatePlaying && e.state != StatePaused {
		return
	}
	if e.latest != nil {
		e.tracker.Update(e.latest)
		e.latest = nil
	}
	e.recomputeLocked()
	e.fillLocked()
}

// recomputeLocked refreshes distance, visibility, quality and priority of
// every tile, then reorders the pending requests to match.
func (e *Engine) recomputeLocked() {
	bw := e.estimator.Estimate()
	for i := range e.tiles {
		t := &e.tiles[i]
		dist := e.tracker.Distance(*t)
		d := e.selector.Select(t.ID, dist, bw)

		e.distances[i] = dist
		t.IsVisible = e.tracker.Visible(dist)
		t.QualityLevel = d.Tier

		if d.Changed {
			e.collector.Emit(telemetry.NewTileEvent(telemetry.EventQualitySwitch, t.ID, float64(d.Tier)))
			e.logger.WithFields(map[string]interface{}{
				"tile_id":  t.ID,
				"from":     d.Previous,
				"to":       d.Tier,
				"distance": dist,
			}).Debug("Quality switch")
		}
		if d.Starved && !e.starved[i] {
			e.collector.Emit(telemetry.NewTileEvent(telemetry.EventBandwidthStarved, t.ID, bw))
		}
		e.starved[i] = d.Starved
	}

	for rank, i := range e.priorityOrderLocked() {
		e.tiles[i].Priority = rank
	}

	e.sched.Reprioritize(func(r *scheduler.Request) {
		t := e.tiles[r.TileID]
		r.Distance = e.distances[r.TileID]
		r.Quality = t.QualityLevel
		r.Boost = e.starving && t.IsVisible
	})

	if e.listener != nil {
		e.listener.OnTileDecisions(e.decisionsLocked())
	}
}

// priorityOrderLocked returns tile indexes by ascending distance, ties by id.
func (e *Engine) priorityOrderLocked() []int {
	order := make([]int, len(e.tiles))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		da, db := e.distances[order[a]], e.distances[order[b]]
		if da != db {
			return da < db
		}
		return e.tiles[order[a]].ID < e.tiles[order[b]].ID
	})
	return order
}

func (e *Engine) decisionsLocked() []TileDecision {
	out := make([]TileDecision, len(e.tiles))
	for i, t := range e.tiles {
		out[i] = TileDecision{
			TileID:   t.ID,
			Quality:  t.QualityLevel,
			Priority: t.Priority,
			Visible:  t.IsVisible,
			Distance: e.distances[i],
			Starved:  e.starved[i],
		}
	}
	return out
}

// fillLocked enqueues segments, highest priority tile first, until every
// tile's buffered plus in-flight duration reaches the target. In-flight
// segments count against the byte cap at their estimated size.
func (e *Engine) fillLocked() {
	if e.state != StatePlaying || e.sched == nil {
		return
	}
	for _, i := range e.priorityOrderLocked() {
		t := e.tiles[i]
		if n := e.buffers.Skip(t.ID, e.segment); n > 0 {
			e.nextIndex[i] += n
		}
		for e.buffers.NeedsMore(t.ID) {
			key := scheduler.Key{TileID: t.ID, Index: e.nextIndex[i]}
			if e.sched.Has(key) {
				e.nextIndex[i]++
				continue
			}
			size := e.segmentBytes(t.QualityLevel)
			if !e.buffers.Fits(e.reservedBytes+size) && !e.reclaimLocked(i, size) {
				break
			}
			req := scheduler.Request{
				Key:      key,
				Quality:  t.QualityLevel,
				Distance: e.distances[i],
				Boost:    e.starving && t.IsVisible,
				Duration: e.segment,
			}
			if !e.sched.Enqueue(req) {
				return
			}
			e.buffers.Reserve(t.ID, e.segment)
			e.reserved[key] = size
			e.reservedBytes += size
			e.nextIndex[i]++
		}
	}
}

// reclaimLocked evicts buffered segments of tiles beyond the low quality
// radius to make room for size bytes on tile i. Tiles that are themselves
// beyond the radius never trigger eviction.
func (e *Engine) reclaimLocked(i int, size int64) bool {
	radius := e.cfg.LowQualityRadiusDeg
	if e.distances[i] > radius {
		return false
	}
	need := e.buffers.TotalBytes() + e.reservedBytes + size - e.cfg.MaxBufferBytes
	evicted := e.buffers.Evict(need, func(id int) (float64, bool) {
		d := e.distances[id]
		return d, d > radius && id != e.tiles[i].ID
	})
	if len(evicted) == 0 {
		return false
	}

	var freed int64
	for _, ent := range evicted {
		freed += ent.Bytes
		e.sink.OnEvict(ent.TileID, ent.Index)
		if ent.Index < e.nextIndex[ent.TileID] {
			e.nextIndex[ent.TileID] = ent.Index
		}
	}
	e.collector.Emit(telemetry.NewEvent(telemetry.EventEviction, float64(freed)))
	e.logger.WithFields(map[string]interface{}{
		"for_tile": e.tiles[i].ID,
		"segments": len(evicted),
		"bytes":    freed,
	}).Debug("Evicted far tile segments")
	return e.buffers.Fits(e.reservedBytes + size)
}

// segmentBytes estimates the size of one segment at tier q.
func (e *Engine) segmentBytes(q int) int64 {
	return int64(float64(e.ladder[q].BitrateKbps) * 1000 / 8 * e.segment.Seconds())
}

// fetchSegment is the scheduler's download function. The tier is capped at
// dispatch time so a bandwidth drop after queueing still lowers quality.
func (e *Engine) fetchSegment(ctx context.Context, req *scheduler.Request) ([]byte, time.Duration, error) {
	e.mu.Lock()
	desc, est, ladder := e.desc, e.estimator, e.ladder
	e.mu.Unlock()
	if desc == nil || est == nil {
		return nil, 0, context.Canceled
	}

	if tier, _ := quality.AffordableTier(ladder.Clamp(req.Quality), est.Estimate(), ladder, e.cfg.SafetyFactor); tier != req.Quality {
		req.Quality = tier
	}
	url, err := desc.SegmentURL(req.TileID, req.Quality, req.Index)
	if err != nil {
		return nil, 0, err
	}
	res, err := fetch.Get(ctx, e.fetcher, url)
	if err != nil {
		return nil, 0, err
	}
	return res.Bytes, res.Elapsed, nil
}

// handleResult runs on the download goroutine once a request is terminal.
func (e *Engine) handleResult(res scheduler.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buffers == nil || (e.state != StatePlaying && e.state != StatePaused) {
		return
	}

	if size, ok := e.reserved[res.Key]; ok {
		delete(e.reserved, res.Key)
		e.reservedBytes -= size
	}

	log := e.logger.WithFields(map[string]interface{}{
		"tile_id": res.TileID,
		"index":   res.Index,
		"quality": res.Quality,
	})

	switch res.State {
	case scheduler.StateCompleted:
		e.lastSuccess = time.Now()
		size := int64(len(res.Bytes))
		ms := float64(res.Elapsed) / float64(time.Millisecond)
		if e.estimator.RecordSample(size, ms) {
			e.collector.Emit(telemetry.NewEvent(telemetry.EventBandwidthEstimate, e.estimator.Estimate()))
		}
		e.selector.Confirm(res.TileID, res.Quality)
		e.collector.Emit(telemetry.NewTileEvent(telemetry.EventSegmentCompleted, res.TileID, ms))
		if !e.buffers.Add(res.TileID, res.Index, res.Quality, size, res.Duration) {
			log.Debug("Segment arrived behind the playhead, dropped")
			break
		}
		e.sink.OnSegment(SegmentData{
			TileID:   res.TileID,
			Index:    res.Index,
			Quality:  res.Quality,
			Bytes:    res.Bytes,
			Duration: res.Duration,
		})
		e.collector.Emit(telemetry.NewEvent(telemetry.EventBufferLevel, float64(e.horizonLocked().Milliseconds())))
		log.WithField("bytes", size).Debug("Segment buffered")

	case scheduler.StateFailed:
		e.buffers.Unreserve(res.TileID, res.Duration)
		e.tiles[res.TileID].QualityLevel = e.selector.Revert(res.TileID)
		e.collector.Emit(telemetry.NewTileEvent(telemetry.EventSegmentFailed, res.TileID, float64(res.Attempts)))
		log.WithError(res.Err).WithField("attempts", res.Attempts).
			Warn("Segment failed, keeping last known good quality")

		if lost := e.cfg.OriginLossTimeout; lost > 0 && e.state == StatePlaying {
			if since := time.Since(e.lastSuccess); since >= lost {
				err := apperrors.NewSegmentFetchError(res.Err, res.TileID, res.Index)
				err.Message = fmt.Sprintf("no segment downloaded for %s", since.Round(time.Millisecond))
				e.failLocked(err)
				return
			}
		}
	}

	e.checkStarvationLocked()
	// After a failure the tile is refilled on the next tick rather than at once.
	if res.State == scheduler.StateCompleted {
		e.fillLocked()
	}
}

// neededLocked reports whether playback depends on tile id: tiles beyond the
// low quality radius may be evicted, so they do not count toward starvation.
func (e *Engine) neededLocked(id int) bool {
	return id < len(e.distances) && e.distances[id] <= e.cfg.LowQualityRadiusDeg
}

// horizonLocked is the buffered duration playback can rely on.
func (e *Engine) horizonLocked() time.Duration {
	return e.buffers.Horizon(e.neededLocked)
}

// checkStarvationLocked raises a rebuffer once per episode when the playable
// horizon drops below the minimum, boosting visible tiles until it recovers.
// Nothing is reported before playback has started consuming.
func (e *Engine) checkStarvationLocked() {
	if !e.playing || e.buffers == nil {
		return
	}
	starving := e.buffers.Starving(e.neededLocked)
	if starving == e.starving {
		return
	}
	e.starving = starving
	agg := e.horizonLocked()

	if starving {
		e.collector.Emit(telemetry.NewEvent(telemetry.EventRebuffer, float64(agg.Milliseconds())))
		e.sink.OnRebuffer(agg)
		e.logger.WithError(apperrors.NewBufferStarvationError(agg, e.cfg.MinBuffer)).Warn("Rebuffering")
	} else {
		e.collector.Emit(telemetry.NewEvent(telemetry.EventBufferRecovered, float64(agg.Milliseconds())))
		e.logger.WithField("buffered_ms", agg.Milliseconds()).Info("Buffer recovered")
	}

	e.sched.Reprioritize(func(r *scheduler.Request) {
		r.Boost = starving && e.tiles[r.TileID].IsVisible
	})
}
