package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avsync/pkg/estimator"
	"github.com/xaionaro-go/avsync/pkg/waveform/implementations/ffmpeg"
	"github.com/xaionaro-go/observability"
)

func main() {
	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	start1Flag := pflag.String("start1", "0s", "rough start time inside the first file, e.g. '12h34m56s'")
	start2Flag := pflag.String("start2", "0s", "rough start time inside the second file, e.g. '5m30s'")
	searchDurFlag := pflag.Float64("search-dur", estimator.DefaultTemplateDuration, "duration of the search template in seconds")
	sampleRateFlag := pflag.Int("sample-rate", 16000, "sample rate for audio processing, in Hz")
	segmentsFlag := pflag.Int("segments", estimator.DefaultSegments, "number of template segments averaged per window")
	strideFlag := pflag.Float64("stride", estimator.DefaultStrideSeconds, "step between analysis windows in long files, in seconds")
	silentFlag := pflag.Bool("silent", false, "print only the resulting start time in seconds")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()

	if pflag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "expected exactly two arguments: <file1> <file2>\n")
		pflag.Usage()
		os.Exit(2)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *netPprofAddr != "" {
		observability.Go(ctx, func() { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	start1, err := parseStart(*start1Flag)
	assertNoError(ctx, err)
	start2, err := parseStart(*start2Flag)
	assertNoError(ctx, err)

	source := ffmpeg.New()
	segmentEstimator := estimator.NewSegmentEstimator()
	segmentEstimator.Segments = *segmentsFlag
	aggregator := estimator.NewGlobalAggregator(source)
	aggregator.SampleRate = *sampleRateFlag
	aggregator.TemplateDuration = *searchDurFlag
	aggregator.StrideSeconds = *strideFlag
	aggregator.Estimator = segmentEstimator

	reference, err := describeFile(ctx, source, pflag.Arg(0), start1)
	assertNoError(ctx, err)
	comparison, err := describeFile(ctx, source, pflag.Arg(1), start2)
	assertNoError(ctx, err)

	result, err := aggregator.Estimate(ctx, reference, comparison)
	assertNoError(ctx, err)

	syncedStart := result.AlignedStart(start1, start2)
	if *silentFlag {
		fmt.Printf("%.2f\n", syncedStart)
		return
	}
	if result.Partial {
		fmt.Printf("Interrupted: estimate is based on %d window(s) only\n", result.SourceCount)
	}
	fmt.Printf("Best match at %.2fs into the second file's search range (confidence %.2f)\n",
		result.OffsetSeconds, result.Confidence)
	fmt.Printf("To sync, start the second file at %.2fs (%s)\n", syncedStart, formatSeconds(syncedStart))
}

// parseStart accepts Go duration strings like '12h34m56s', '34m' or
// '2h' and returns total seconds.
func parseStart(s string) (float64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q (expected e.g. '1h2m3s'): %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("start time must not be negative: got %v", d)
	}
	return d.Seconds(), nil
}

func describeFile(
	ctx context.Context,
	source *ffmpeg.Source,
	path string,
	startSeconds float64,
) (estimator.File, error) {
	duration, err := source.Duration(ctx, path)
	if err != nil {
		return estimator.File{}, err
	}
	return estimator.File{
		Path:            path,
		StartSeconds:    startSeconds,
		DurationSeconds: duration,
	}, nil
}

// formatSeconds renders seconds as 'HH:MM:SS'.
func formatSeconds(seconds float64) string {
	if seconds < 0 {
		return "-" + formatSeconds(-seconds)
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func assertNoError(ctx context.Context, err error) {
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		belt.Flush(ctx)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
