// Package transcoder runs ffmpeg to convert a source file to AV1/Opus,
// reporting progress and honoring cancellation.
package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/probe"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// minOutputSize is the smallest output accepted as a real encode.
const minOutputSize = 1024

// killGrace is how long ffmpeg gets to exit after SIGTERM before SIGKILL.
const killGrace = 5 * time.Second

// Error is a classified transcode failure.
type Error struct {
	Kind     types.ErrorKind
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("transcode %s (exit %d): %v", e.Kind, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("transcode %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Job is one transcode request.
type Job struct {
	Input    string
	Output   string
	Duration float64 // source duration in seconds, for percent/ETA
	Params   types.EncodeParams
}

// Transcoder shells out to ffmpeg. The encode runs at minimum CPU and I/O
// priority so interactive use of the worker host is unaffected.
type Transcoder struct {
	ffmpegPath string
	prober     *probe.Prober
	nice       int
	ionice     int
	logger     *slog.Logger
}

// New creates a Transcoder. prober is used to verify the output decodes; it
// may be nil to skip that check.
func New(ffmpegPath string, prober *probe.Prober, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		nice:       19,
		ionice:     3, // idle class
		logger:     logger.With("component", "transcoder"),
	}
}

// BuildArgs returns the ffmpeg argument list for a job, without the
// nice/ionice prefix or the binary name.
func BuildArgs(job Job) []string {
	p := job.Params
	args := []string{
		"-i", job.Input,
		"-map", "0",
		"-c:v", "libsvtav1",
		"-preset", strconv.Itoa(p.Preset),
		"-crf", strconv.Itoa(p.CRF),
	}

	if p.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.PixelFormat)
	}
	if c := p.Color; c != nil {
		args = append(args,
			"-color_primaries", c.Primaries,
			"-color_trc", c.Transfer,
			"-colorspace", c.Space,
		)
		if c.EnableHDR {
			args = append(args, "-svtav1-params", "enable-hdr=1")
		}
	}

	if p.SkipAudioTranscode || len(p.AudioBitrates) == 0 {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "libopus")
		if allEqual(p.AudioBitrates) {
			args = append(args, "-b:a", fmt.Sprintf("%dk", p.AudioBitrates[0]))
		} else {
			for i, kbps := range p.AudioBitrates {
				args = append(args, fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", kbps))
			}
		}
	}

	args = append(args,
		"-c:s", "copy",
		"-map_metadata", "0",
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		job.Output,
	)
	return args
}

func allEqual(vals []int) bool {
	for _, v := range vals {
		if v != vals[0] {
			return false
		}
	}
	return true
}

// Run executes the transcode. onProgress is called once per ffmpeg progress
// block (about 1 Hz); it may be nil. On any failure or cancellation the
// partial output is removed before returning.
func (t *Transcoder) Run(ctx context.Context, job Job, onProgress func(Update)) error {
	args := BuildArgs(job)

	// nice/ionice wrap the whole process tree
	argv := append([]string{
		"-n", strconv.Itoa(t.nice),
		"ionice", "-c", strconv.Itoa(t.ionice),
		t.ffmpegPath,
	}, args...)
	cmd := exec.Command("nice", argv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Kind: types.ErrorKindIO, Err: err}
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	t.logger.Info("starting encode",
		"input", job.Input,
		"crf", job.Params.CRF,
		"preset", job.Params.Preset,
	)
	if err := cmd.Start(); err != nil {
		return &Error{Kind: types.ErrorKindEncoderCrash, Err: fmt.Errorf("starting ffmpeg: %w", err)}
	}

	// Reader goroutine: drains progress until the pipe closes at exit
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		_ = parseProgress(stdout, job.Duration, func(u Update) {
			if onProgress != nil {
				onProgress(u)
			}
		})
	}()

	waitErr := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		waitErr <- cmd.Wait()
		close(exited)
	}()

	var runErr error
	killed := false
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		killed = true
		t.terminate(cmd, exited)
		runErr = <-waitErr
	}
	<-progressDone

	if killed {
		t.removeOutput(job.Output)
		return &Error{Kind: types.ErrorKindKilled, Err: ctx.Err()}
	}
	if runErr != nil {
		t.removeOutput(job.Output)
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &Error{
			Kind:     types.ErrorKindEncoderCrash,
			ExitCode: exitCode,
			Err:      fmt.Errorf("%s", tail(stderr.String(), 500)),
		}
	}

	if err := t.verify(ctx, job.Output); err != nil {
		t.removeOutput(job.Output)
		return err
	}
	return nil
}

// terminate asks ffmpeg to exit, escalating to SIGKILL after the grace
// period. exited must be closed once cmd.Wait has returned.
func (t *Transcoder) terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	t.logger.Info("terminating encode", "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(killGrace):
		t.logger.Warn("encode ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	}
}

// verify checks the output is a real, decodable encode.
func (t *Transcoder) verify(ctx context.Context, output string) error {
	info, err := os.Stat(output)
	if err != nil {
		return &Error{Kind: types.ErrorKindEmptyOutput, Err: fmt.Errorf("output missing: %w", err)}
	}
	if info.Size() < minOutputSize {
		return &Error{Kind: types.ErrorKindEmptyOutput, Err: fmt.Errorf("output only %d bytes", info.Size())}
	}
	if t.prober != nil {
		profile, err := t.prober.Probe(ctx, output)
		if err != nil {
			return &Error{Kind: types.ErrorKindEmptyOutput, Err: fmt.Errorf("output not probeable: %w", err)}
		}
		if !profile.HasVideo() {
			return &Error{Kind: types.ErrorKindEmptyOutput, Err: fmt.Errorf("output has no video stream")}
		}
	}
	return nil
}

func (t *Transcoder) removeOutput(output string) {
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("could not remove partial output", "path", output, "error", err)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
