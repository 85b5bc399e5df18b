package docker

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigNormalizedFillsDefaults(t *testing.T) {
	cfg := Config{}.normalized()
	require.Equal(t, "rclone/rclone:latest", cfg.Image)
	require.Equal(t, "rclone", cfg.Tool)
	require.Equal(t, int64(512), cfg.MemoryMB)
	require.Equal(t, "bridge", cfg.NetworkMode)
}

func TestConfigNormalizedKeepsExplicitValues(t *testing.T) {
	cfg := Config{Image: "custom:latest", Tool: "rsync", MemoryMB: 2048, NetworkMode: "none"}.normalized()
	require.Equal(t, "custom:latest", cfg.Image)
	require.Equal(t, "rsync", cfg.Tool)
	require.Equal(t, int64(2048), cfg.MemoryMB)
	require.Equal(t, "none", cfg.NetworkMode)
}

func TestParseProgressLineUsesLastMatch(t *testing.T) {
	logs := "Transferred: 10 / 100\nsome noise\nTransferred: 55 / 100\n"
	done, total, ok := parseProgressLine(logs)
	require.True(t, ok)
	require.Equal(t, int64(55), done)
	require.Equal(t, int64(100), total)
}

func TestParseProgressLineNoMatch(t *testing.T) {
	_, _, ok := parseProgressLine("nothing useful here")
	require.False(t, ok)
}

func TestParseLsjsonSizeExtractsSize(t *testing.T) {
	size, ok := parseLsjsonSize(`[{"Path":"a.mkv","Size":123456}]`)
	require.True(t, ok)
	require.Equal(t, int64(123456), size)
}

func TestParseLsjsonSizeMissingIsNotFound(t *testing.T) {
	_, ok := parseLsjsonSize(`[]`)
	require.False(t, ok)
}

func TestRemotePathWithAndWithoutKind(t *testing.T) {
	require.Equal(t, "remote:alice/movie.mkv", remotePath("alice", "", "movie.mkv"))
	require.Equal(t, "remote:alice/movies/movie.mkv", remotePath("alice", "movies", "movie.mkv"))
}

// New requires a reachable Docker daemon; this mirrors the teacher's own
// skip-if-unavailable style rather than faulting CI without one.
func TestNewRequiresDockerDaemon(t *testing.T) {
	a, err := New(Config{Workspace: "/tmp/ws"}, slog.Default())
	if err != nil {
		t.Skip("docker client init failed (expected in CI without docker):", err)
	}
	defer a.Close()
}
