package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GitCommit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
}

func TestApplyBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "GOOS", Value: "linux"},
	}

	info := Info{GitCommit: "unknown", BuildTime: "unknown"}
	applyBuildSettings(&info, settings)
	assert.Equal(t, "0123456789ab", info.GitCommit)
	assert.Equal(t, "2026-01-02T03:04:05Z", info.BuildTime)

	stamped := Info{GitCommit: "release", BuildTime: "yesterday"}
	applyBuildSettings(&stamped, settings)
	assert.Equal(t, "release", stamped.GitCommit)
	assert.Equal(t, "yesterday", stamped.BuildTime)
}

func TestInfoString(t *testing.T) {
	info := Info{
		Version:   "1.0.0",
		GitCommit: "abc123",
		BuildTime: "2026-01-01",
		GoVersion: "go1.23",
		OS:        "linux",
		Arch:      "amd64",
	}

	str := info.String()
	assert.Contains(t, str, "tilestream 1.0.0")
	assert.Contains(t, str, "commit: abc123")
	assert.Contains(t, str, "os/arch: linux/amd64")
	assert.Equal(t, "tilestream 1.0.0", info.Short())
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "tilestream/"+Version, UserAgent())
}
