package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
)

func (s *Source) probeBinary() string {
	if s.ProbeBinaryPath != "" {
		return s.ProbeBinaryPath
	}
	return "ffprobe"
}

// Duration returns the container duration of the file in seconds.
func (s *Source) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	}
	logger.Debugf(ctx, "running %s %v", s.probeBinary(), args)

	cmd := exec.CommandContext(ctx, s.probeBinary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("unable to probe '%s': %w: %s", path, err, stderr.String())
	}

	raw := strings.TrimSpace(stdout.String())
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse the duration of '%s' from %q: %w", path, raw, err)
	}
	return duration, nil
}
