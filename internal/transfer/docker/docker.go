// Package docker is the default transfer.Client adapter: it shells a
// configured rclone-style CLI tool inside an ephemeral, auto-removed
// container rather than invoking it via a bare os/exec, grounded on the
// teacher's DockerSandbox.Exec sandbox-execution lifecycle.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/media-orchestrator/internal/transfer"
)

// Config configures the adapter.
type Config struct {
	Image        string        // default "rclone/rclone:latest"
	Tool         string        // CLI binary invoked inside the container, default "rclone"
	MemoryMB     int64         // default 512
	NetworkMode  string        // default "bridge" (the tool needs network access, unlike the teacher's sandboxed exec)
	Workspace    string        // host directory bind-mounted at /workspace
	PollInterval time.Duration // log-polling cadence for progress parsing, default 1s
}

func (c Config) normalized() Config {
	if c.Image == "" {
		c.Image = "rclone/rclone:latest"
	}
	if c.Tool == "" {
		c.Tool = "rclone"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Adapter implements transfer.Client over the Docker Engine API.
type Adapter struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

// New connects to the Docker daemon and returns an Adapter.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker transfer: client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: cli, cfg: cfg.normalized(), logger: logger.With("component", "transfer/docker")}, nil
}

// Close closes the underlying Docker client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ transfer.Client = (*Adapter)(nil)

var progressLine = regexp.MustCompile(`Transferred:\s*(\d+)\s*/\s*(\d+)`)

// Download implements transfer.Client.
func (a *Adapter) Download(ctx context.Context, taskID, sourceRef, localPath string, progress transfer.ProgressFunc) error {
	cmd := fmt.Sprintf("%s copyto %q %q --progress", a.cfg.Tool, sourceRef, localPath)
	_, err := a.run(ctx, taskID, cmd, progress)
	return err
}

// GetRemoteFileInfo implements transfer.Client.
func (a *Adapter) GetRemoteFileInfo(ctx context.Context, name, user, kind string) (*transfer.FileInfo, error) {
	cmd := fmt.Sprintf("%s lsjson %q --files-only", a.cfg.Tool, remotePath(user, kind, name))
	stdout, err := a.run(ctx, "stat:"+name, cmd, nil)
	if err != nil {
		return nil, err
	}
	size, ok := parseLsjsonSize(stdout)
	if !ok {
		return nil, nil
	}
	return &transfer.FileInfo{Size: size}, nil
}

// UploadFile implements transfer.Client.
func (a *Adapter) UploadFile(ctx context.Context, req transfer.UploadRequest, progress transfer.ProgressFunc) transfer.UploadResult {
	cmd := fmt.Sprintf("%s copyto %q %q --progress", a.cfg.Tool, req.LocalPath, remotePath(req.User, "", req.Name))
	if _, err := a.run(ctx, req.TaskID, cmd, progress); err != nil {
		return transfer.UploadResult{TaskID: req.TaskID, Success: false, Err: err}
	}
	return transfer.UploadResult{TaskID: req.TaskID, Success: true}
}

// UploadBatch implements transfer.Client. Each request still runs its own
// container invocation; true multi-file coalescing happens one layer up in
// the UploadBatcher, which is what decides whether requests share a
// destination prefix in the first place.
func (a *Adapter) UploadBatch(ctx context.Context, reqs []transfer.UploadRequest, progress transfer.ProgressFunc) []transfer.UploadResult {
	results := make([]transfer.UploadResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, a.UploadFile(ctx, req, progress))
	}
	return results
}

func remotePath(user, kind, name string) string {
	if kind == "" {
		return fmt.Sprintf("remote:%s/%s", user, name)
	}
	return fmt.Sprintf("remote:%s/%s/%s", user, kind, name)
}

// run executes cmd inside an ephemeral, auto-removed container and returns
// its combined stdout. While the container runs, a poller parses its logs
// for rclone-style "Transferred: N / M" lines and forwards them to progress.
func (a *Adapter) run(ctx context.Context, taskID, cmd string, progress transfer.ProgressFunc) (string, error) {
	resp, err := a.client.ContainerCreate(ctx, &container.Config{
		Image:      a.cfg.Image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: a.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(a.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", a.cfg.Workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker transfer: create container: %w", err)
	}
	containerID := resp.ID

	if err := a.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("docker transfer: start container: %w", err)
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	if progress != nil {
		go a.pollProgress(pollCtx, taskID, containerID, progress)
	}

	statusCh, errCh := a.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return "", fmt.Errorf("docker transfer: wait: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = a.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return "", fmt.Errorf("docker transfer: %s timed out: %w", taskID, ctx.Err())
	}
	stopPoll()

	stdout, stderr, err := a.collectLogs(context.Background(), containerID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return stdout, fmt.Errorf("docker transfer: %s exited %d: %s", taskID, exitCode, stderr)
	}
	return stdout, nil
}

func (a *Adapter) pollProgress(ctx context.Context, taskID, containerID string, progress transfer.ProgressFunc) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stdout, _, err := a.collectLogs(ctx, containerID)
			if err != nil {
				a.logger.Warn("progress poll failed", slog.String("task_id", taskID), slog.Any("error", err))
				continue
			}
			done, total, ok := parseProgressLine(stdout)
			if !ok {
				continue
			}
			progress(done, total)
		}
	}
}

func (a *Adapter) collectLogs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	out, err := a.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("docker transfer: logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		a.logger.Warn("docker transfer: demux logs failed", slog.Any("error", err))
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

func parseProgressLine(logs string) (done, total int64, ok bool) {
	matches := progressLine.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return 0, 0, false
	}
	last := matches[len(matches)-1]
	d, err1 := strconv.ParseInt(last[1], 10, 64)
	t, err2 := strconv.ParseInt(last[2], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return d, t, true
}

var lsjsonSize = regexp.MustCompile(`"Size"\s*:\s*(\d+)`)

func parseLsjsonSize(out string) (int64, bool) {
	m := lsjsonSize.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}
