// Package ffmpeg implements waveform.Source by shelling out to the
// ffmpeg binary. The container is demuxed, decoded, downmixed to mono
// and resampled in one pass, and raw float64 PCM is streamed back over
// stdout, so no intermediate file ever touches the disk.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/avsync/pkg/waveform"
)

const bytesPerSample = 8 // f64le

// Source loads waveforms via an external ffmpeg binary.
type Source struct {
	// BinaryPath overrides the ffmpeg executable name. Empty means
	// "ffmpeg" resolved through PATH.
	BinaryPath string
	// ProbeBinaryPath overrides the ffprobe executable name. Empty
	// means "ffprobe" resolved through PATH.
	ProbeBinaryPath string
}

var _ waveform.Source = (*Source)(nil)

func New() *Source {
	return &Source{}
}

func (s *Source) binary() string {
	if s.BinaryPath != "" {
		return s.BinaryPath
	}
	return "ffmpeg"
}

// Load extracts [startSeconds, startSeconds+durationSeconds) of the
// file's audio as a mono Clip at the requested sample rate. A range
// reaching beyond the end of the file is truncated by ffmpeg, so the
// returned clip may be shorter than requested.
func (s *Source) Load(
	ctx context.Context,
	path string,
	sampleRate int,
	startSeconds float64,
	durationSeconds float64,
) (*waveform.Clip, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive: got %d", sampleRate)
	}
	if durationSeconds <= 0 {
		return nil, fmt.Errorf("duration must be positive: got %v", durationSeconds)
	}
	if startSeconds < 0 {
		return nil, fmt.Errorf("start must not be negative: got %v", startSeconds)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-ss", strconv.FormatFloat(startSeconds, 'f', -1, 64),
		"-t", strconv.FormatFloat(durationSeconds, 'f', -1, 64),
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f64le",
		"-",
	}
	logger.Debugf(ctx, "running %s %v", s.binary(), args)

	cmd := exec.CommandContext(ctx, s.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("unable to extract audio from '%s': %w: %s", path, err, stderr.String())
	}

	data := stdout.Bytes()
	samples := make([]float64, len(data)/bytesPerSample)
	for i := range samples {
		samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*bytesPerSample:]))
	}
	logger.Debugf(ctx, "extracted %d samples (%.2fs) from '%s' at offset %.2fs",
		len(samples), float64(len(samples))/float64(sampleRate), path, startSeconds)

	return waveform.NewClip(samples, sampleRate)
}
