package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zsiec/tilestream/internal/dashboard"
	"github.com/zsiec/tilestream/internal/engine"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/telemetry"
	"github.com/zsiec/tilestream/internal/viewport"
)

var (
	simLinkKbps float64
	simYawSpeed float64
	simPitch    float64
	simDuration time.Duration
	simFail     int
	simHeadless bool
)

const simManifestURL = "http://simulated.local/manifest.mpd"

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive a session against a simulated origin",
	Long: `Start one streaming engine against an in-process origin whose link rate
can be changed while running. The gaze sweeps around the horizon at
--yaw-speed degrees per second and playback consumes the buffer in real
time. A terminal dashboard shows the tier of every tile; --headless prints
one status line per second instead.`,
	RunE: func(c *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runSimulate(ctx, c.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simLinkKbps, "link-kbps", 8000, "simulated link rate")
	simulateCmd.Flags().Float64Var(&simYawSpeed, "yaw-speed", 30, "gaze rotation in degrees per second")
	simulateCmd.Flags().Float64Var(&simPitch, "pitch", 90, "gaze pitch in degrees from the zenith")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 0, "stop after this long (0 runs until quit)")
	simulateCmd.Flags().IntVar(&simFail, "fail-every", 0, "fail every nth segment")
	simulateCmd.Flags().BoolVar(&simHeadless, "headless", false, "print status lines instead of the dashboard")
	rootCmd.AddCommand(simulateCmd)
}

// sweep is an orientation source that rotates the gaze at a constant rate.
type sweep struct {
	start time.Time
	speed float64
	pitch float64
	now   func() time.Time
}

func newSweep(speed, pitch float64) *sweep {
	return &sweep{start: time.Now(), speed: speed, pitch: pitch, now: time.Now}
}

func (s *sweep) yaw() float64 {
	y := math.Mod(s.speed*s.now().Sub(s.start).Seconds(), 360)
	if y < 0 {
		y += 360
	}
	return y
}

// Orientation implements engine.OrientationSource.
func (s *sweep) Orientation() (viewport.Orientation, bool) {
	return viewport.FromAngles(s.yaw(), s.pitch), true
}

func runSimulate(ctx context.Context, out io.Writer) error {
	engineCfg := cfg.Engine

	var doc bytes.Buffer
	if err := writeManifest(&doc, &engineCfg, engineCfg.Protocol, ""); err != nil {
		return err
	}
	origin := fetch.NewSimulated(doc.Bytes(), engineCfg.QualityLadder, engineCfg.SegmentDuration, simLinkKbps)
	origin.FailEvery(simFail)

	var rebuffers atomic.Int64
	collector := telemetry.CollectorFunc(func(e telemetry.Event) {
		if e.Type == telemetry.EventRebuffer {
			rebuffers.Add(1)
		}
	})

	// The dashboard owns the terminal, so engine logs only go out headless.
	engLog := logger.NewNullLogger()
	if simHeadless {
		engLog = logger.NewLogrusAdapter(logger.WithComponent(log, "engine"))
	}

	eng, err := engine.New(engineCfg, origin,
		engine.WithLogger(engLog),
		engine.WithTelemetry(collector),
		engine.WithOrientationSource(newSweep(simYawSpeed, simPitch)))
	if err != nil {
		return err
	}
	if err := eng.Start(ctx, simManifestURL); err != nil {
		return err
	}
	defer func() { _ = eng.Stop() }()

	if simDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simDuration)
		defer cancel()
	}

	started := time.Now()
	go playback(ctx, eng, 100*time.Millisecond)

	snapshot := func() dashboard.Snapshot {
		g := eng.Grid()
		snap := dashboard.Snapshot{
			Status:    eng.Status(),
			LinkKbps:  origin.LinkKbps(),
			Elapsed:   time.Since(started),
			Rebuffers: int(rebuffers.Load()),
		}
		if g != nil {
			snap.Cols, snap.Rows = g.Cols(), g.Rows()
		}
		return snap
	}

	if simHeadless {
		return printStatus(ctx, out, snapshot, time.Second)
	}

	link := func(factor float64) { origin.SetLinkKbps(origin.LinkKbps() * factor) }
	model := dashboard.NewModel("TILESTREAM SIMULATOR", snapshot, link, 250*time.Millisecond)
	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx), tea.WithOutput(out)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// playback consumes media in real time, as a player would.
func playback(ctx context.Context, eng *engine.Engine, step time.Duration) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = eng.ConsumePlayback(step)
		}
	}
}

func printStatus(ctx context.Context, out io.Writer, snapshot dashboard.Source, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := snapshot()
			st := s.Status
			tiers := make([]int, len(st.Tiles))
			for i, d := range st.Tiles {
				tiers[i] = d.Quality
			}
			fmt.Fprintf(out, "t=%-4s yaw=%5.1f est=%6.0fkbps link=%6.0fkbps buf=%5dms inflight=%d rebuffers=%d tiers=%v\n",
				s.Elapsed.Truncate(time.Second), st.Viewport.Yaw, st.EstimateKbps, s.LinkKbps,
				st.BufferedMs, st.InFlight, s.Rebuffers, tiers)
		}
	}
}
