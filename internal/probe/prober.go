// Package probe inspects media files with ffprobe and distills the raw
// output into the SourceProfile the quality policy consumes.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a probe failure.
type ErrorKind string

// Probe error kinds.
const (
	ErrKindUnreadable ErrorKind = "unreadable"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindMalformed  ErrorKind = "malformed"
)

// Error is a classified probe failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result contains the complete ffprobe output.
type Result struct {
	Format  Format   `json:"format"`
	Streams []Stream `json:"streams"`
}

// Format contains container-level information.
type Format struct {
	Filename   string            `json:"filename"`
	NumStreams int               `json:"nb_streams"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

// Stream contains per-stream information.
type Stream struct {
	Index          int               `json:"index"`
	CodecName      string            `json:"codec_name"`
	Profile        string            `json:"profile"`
	CodecType      string            `json:"codec_type"` // video, audio, subtitle, data
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	PixFmt         string            `json:"pix_fmt,omitempty"`
	ColorRange     string            `json:"color_range,omitempty"`
	ColorSpace     string            `json:"color_space,omitempty"`
	ColorTransfer  string            `json:"color_transfer,omitempty"`
	ColorPrimaries string            `json:"color_primaries,omitempty"`
	SampleRate     string            `json:"sample_rate,omitempty"`
	Channels       int               `json:"channels,omitempty"`
	ChannelLayout  string            `json:"channel_layout,omitempty"`
	RFrameRate     string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate   string            `json:"avg_frame_rate,omitempty"`
	BitRate        string            `json:"bit_rate,omitempty"`
	SideDataList   []SideData        `json:"side_data_list,omitempty"`
	Disposition    Disposition       `json:"disposition,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// SideData is one stream side-data entry. Only the type matters here.
type SideData struct {
	SideDataType string `json:"side_data_type"`
}

// Disposition contains stream disposition flags.
type Disposition struct {
	Default int `json:"default"`
	Forced  int `json:"forced"`
}

// Prober runs ffprobe against local files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new Prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe runs ffprobe on a file and returns the parsed source profile.
func (p *Prober) Probe(ctx context.Context, path string) (*SourceProfile, error) {
	raw, err := p.ProbeRaw(ctx, path)
	if err != nil {
		return nil, err
	}
	return buildProfile(path, raw)
}

// ProbeRaw runs ffprobe and returns the raw decoded output.
func (p *Prober) ProbeRaw(ctx context.Context, path string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: ErrKindTimeout, Err: fmt.Errorf("no result after %v", p.timeout)}
		}
		return nil, &Error{Kind: ErrKindUnreadable, Err: err}
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, &Error{Kind: ErrKindMalformed, Err: fmt.Errorf("parsing ffprobe output: %w", err)}
	}
	return &result, nil
}

// VideoStream returns the first video stream, or nil. Attached cover art
// (mjpeg/png streams) does not count.
func (r *Result) VideoStream() *Stream {
	for i := range r.Streams {
		s := &r.Streams[i]
		if s.CodecType != "video" {
			continue
		}
		switch s.CodecName {
		case "mjpeg", "png", "bmp", "gif":
			continue
		}
		return s
	}
	return nil
}

// AudioStreams returns all audio streams in container order.
func (r *Result) AudioStreams() []Stream {
	var out []Stream
	for _, s := range r.Streams {
		if s.CodecType == "audio" {
			out = append(out, s)
		}
	}
	return out
}

// DurationSeconds returns the container duration in seconds.
func (r *Result) DurationSeconds() float64 {
	d, _ := strconv.ParseFloat(r.Format.Duration, 64)
	return d
}

// parseFramerate parses a framerate string like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
