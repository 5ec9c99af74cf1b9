package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/dashboard"
	"github.com/zsiec/tilestream/internal/engine"
	"github.com/zsiec/tilestream/internal/manifest"
	"github.com/zsiec/tilestream/internal/viewport"
)

func TestWriteManifest(t *testing.T) {
	engineCfg := config.DefaultEngineConfig()

	var dash bytes.Buffer
	require.NoError(t, writeManifest(&dash, &engineCfg, config.ProtocolDASH, "https://cdn.example.com/"))
	desc, err := manifest.Parse(dash.Bytes(), "http://origin.test/manifest.mpd")
	require.NoError(t, err)
	assert.Equal(t, 6, desc.GridCols)
	assert.Equal(t, 3, desc.GridRows)

	var hls bytes.Buffer
	require.NoError(t, writeManifest(&hls, &engineCfg, config.ProtocolLLHLS, ""))
	assert.True(t, strings.HasPrefix(hls.String(), "#EXTM3U\n"))

	assert.Error(t, writeManifest(&bytes.Buffer{}, &engineCfg, "rtmp", ""))

	bad := engineCfg
	bad.GridCols = 0
	assert.Error(t, writeManifest(&bytes.Buffer{}, &bad, config.ProtocolDASH, ""))
}

func TestSweepRotatesGaze(t *testing.T) {
	now := time.Unix(100, 0)
	s := &sweep{start: now, speed: 30, pitch: 80, now: func() time.Time { return now }}

	assert.InDelta(t, 0, s.yaw(), 1e-9)

	now = now.Add(5 * time.Second)
	o, ok := s.Orientation()
	require.True(t, ok)
	a := viewport.AnglesOf(o)
	assert.InDelta(t, 150, a.Yaw, 1e-6)
	assert.InDelta(t, 80, a.Pitch, 1e-6)

	now = now.Add(10 * time.Second)
	assert.InDelta(t, 90, s.yaw(), 1e-9)

	backwards := &sweep{start: now, speed: -30, now: func() time.Time { return now.Add(time.Second) }}
	assert.InDelta(t, 330, backwards.yaw(), 1e-9)
}

func TestPrintStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	source := func() dashboard.Snapshot {
		return dashboard.Snapshot{
			Status: engine.Status{
				EstimateKbps: 4200,
				BufferedMs:   900,
				Tiles:        []engine.TileDecision{{TileID: 0, Quality: 0}, {TileID: 1, Quality: 2}},
			},
			LinkKbps: 8000,
		}
	}
	require.NoError(t, printStatus(ctx, &out, source, 10*time.Millisecond))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "est=  4200kbps")
	assert.Contains(t, lines[0], "tiers=[0 2]")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `"version"`)
}
