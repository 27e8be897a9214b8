package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/probe"
	"github.com/shrinkarr/shrinkarr/internal/quality"
	"github.com/shrinkarr/shrinkarr/internal/transcoder"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// progressSendInterval throttles progress reports to the coordinator.
// ffmpeg emits roughly one update per second; the coordinator doesn't need
// them that often.
const progressSendInterval = 2 * time.Second

// Pipeline runs one assignment end to end: download, probe, transcode,
// upload, report.
type Pipeline struct {
	client     *Client
	prober     *probe.Prober
	policy     *quality.Policy
	transcoder *transcoder.Transcoder
	tempDir    string
	cluster    types.ClusterConfig
	logger     *slog.Logger
}

// NewPipeline creates a job pipeline. policy may be nil when the coordinator
// always sends fully resolved encode parameters.
func NewPipeline(client *Client, prober *probe.Prober, policy *quality.Policy, tc *transcoder.Transcoder, tempDir string, cluster types.ClusterConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:     client,
		prober:     prober,
		policy:     policy,
		transcoder: tc,
		tempDir:    tempDir,
		cluster:    cluster,
		logger:     logger.With("component", "pipeline"),
	}
}

// jobTracker mirrors pipeline progress into the heartbeat payload. Updates
// come from the pipeline goroutine, reads from the heartbeat ticker.
type jobTracker interface {
	SetPhase(fileID uint64, phase types.Phase)
	SetProgress(percent, fps float64, eta int64)
}

// Process runs the assignment. It reports the outcome to the coordinator
// itself; the returned error is for logging only. Reports are sent on a
// context detached from ctx so a cancelled job can still tell the
// coordinator what happened.
func (p *Pipeline) Process(ctx context.Context, workerID types.WorkerID, a *types.Assignment, track jobTracker) error {
	reportCtx := context.WithoutCancel(ctx)

	src := filepath.Join(p.tempDir, fmt.Sprintf("src-%d%s", a.FileID, filepath.Ext(a.Path)))
	out := filepath.Join(p.tempDir, fmt.Sprintf("out-%d.mkv", a.FileID))
	defer func() {
		_ = os.Remove(src)
		_ = os.Remove(out)
	}()

	track.SetPhase(a.FileID, types.PhaseDownloading)
	p.sendProgress(ctx, a, types.PhaseDownloading, transcoder.Update{})
	if err := p.client.Download(ctx, a, src); err != nil {
		if errors.Is(err, ErrStaleLease) {
			return err
		}
		return p.fail(reportCtx, workerID, a, types.ErrorKindTransfer, fmt.Sprintf("download: %v", err))
	}

	track.SetPhase(a.FileID, types.PhaseProbing)
	p.sendProgress(ctx, a, types.PhaseProbing, transcoder.Update{})
	profile, err := p.prober.Probe(ctx, src)
	if err != nil {
		kind := types.ErrorKindMalformedSource
		var perr *probe.Error
		if errors.As(err, &perr) && perr.Kind == probe.ErrKindTimeout {
			kind = types.ErrorKindProbeTimeout
		}
		return p.fail(reportCtx, workerID, a, kind, err.Error())
	}

	params, skip := p.resolveParams(a, profile)
	p.reportSource(ctx, a, profile, params)
	if skip != nil {
		return p.skip(reportCtx, workerID, a, skip.Reason, skip.Detail)
	}

	track.SetPhase(a.FileID, types.PhaseTranscoding)
	lastSent := time.Time{}
	err = p.transcoder.Run(ctx, transcoder.Job{
		Input:    src,
		Output:   out,
		Duration: profile.Duration,
		Params:   *params,
	}, func(u transcoder.Update) {
		track.SetProgress(u.Percent, u.FPS, u.ETASeconds)
		if time.Since(lastSent) >= progressSendInterval || u.Done {
			lastSent = time.Now()
			p.sendProgress(ctx, a, types.PhaseTranscoding, u)
		}
	})
	if err != nil {
		kind := types.ErrorKindEncoderCrash
		var terr *transcoder.Error
		if errors.As(err, &terr) {
			kind = terr.Kind
		}
		return p.fail(reportCtx, workerID, a, kind, err.Error())
	}

	outInfo, err := os.Stat(out)
	if err != nil {
		return p.fail(reportCtx, workerID, a, types.ErrorKindEmptyOutput, fmt.Sprintf("output missing: %v", err))
	}

	// Check the savings threshold here before burning bandwidth on an
	// upload the coordinator would reject anyway
	required := float64(a.SizeBytes) * (1 - p.cluster.MinSavingsPct/100)
	if float64(outInfo.Size()) > required {
		return p.skip(reportCtx, workerID, a, types.SkipReasonInsufficientSavings,
			fmt.Sprintf("output %d of %d bytes, below %.0f%% savings", outInfo.Size(), a.SizeBytes, p.cluster.MinSavingsPct))
	}

	track.SetPhase(a.FileID, types.PhaseUploading)
	p.sendProgress(ctx, a, types.PhaseUploading, transcoder.Update{Percent: 100})
	finalStatus, err := p.client.Upload(ctx, a.FileID, a.LeaseToken, out)
	if err != nil {
		if errors.Is(err, ErrStaleLease) {
			return err
		}
		return p.fail(reportCtx, workerID, a, types.ErrorKindTransfer, fmt.Sprintf("upload: %v", err))
	}

	p.logger.Info("job finished",
		"file_id", a.FileID,
		"input_bytes", a.SizeBytes,
		"output_bytes", outInfo.Size(),
		"status", finalStatus,
	)

	// The swap already settled the record server-side. A skip verdict is
	// terminal; only a completed swap gets the success acknowledgment.
	if finalStatus != "completed" {
		return nil
	}

	rep := types.OutcomeReport{
		LeaseToken: a.LeaseToken,
		Outcome: types.Outcome{Success: &types.SuccessOutcome{
			OutputSizeBytes: outInfo.Size(),
		}},
	}
	if err := p.client.Report(reportCtx, a.FileID, workerID, rep); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Warn("reporting success", "file_id", a.FileID, "error", err)
	}
	return nil
}

// resolveParams picks the encode parameters. A zero CRF in the assignment
// means the coordinator delegated the decision to the worker-side policy.
func (p *Pipeline) resolveParams(a *types.Assignment, profile *probe.SourceProfile) (*types.EncodeParams, *quality.SkipDecision) {
	if a.Params.CRF != 0 || p.policy == nil {
		params := a.Params
		return &params, nil
	}
	return p.policy.Decide(profile, quality.Config{
		EncoderPreset:      a.Params.Preset,
		SkipAudioTranscode: a.Params.SkipAudioTranscode,
	})
}

// reportSource sends probe results upstream, best effort.
func (p *Pipeline) reportSource(ctx context.Context, a *types.Assignment, profile *probe.SourceProfile, params *types.EncodeParams) {
	info := types.SourceInfo{
		Codec:      profile.VideoCodec,
		Resolution: quality.ResolutionBucket(profile.Width, profile.Height),
		Bitrate:    profile.Bitrate,
		HDRKind:    string(profile.HDR),
	}
	if len(profile.AudioStreams) > 0 {
		info.AudioCodec = profile.AudioStreams[0].Codec
	}
	if params != nil {
		info.TargetCRF = params.CRF
		if len(params.AudioBitrates) > 0 {
			info.TargetAudioKbps = params.AudioBitrates[0]
		}
	}
	if err := p.client.ReportSource(ctx, a.FileID, a.LeaseToken, info); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Warn("reporting source info", "file_id", a.FileID, "error", err)
	}
}

func (p *Pipeline) sendProgress(ctx context.Context, a *types.Assignment, phase types.Phase, u transcoder.Update) {
	rep := types.ProgressReport{
		LeaseToken: a.LeaseToken,
		Percent:    u.Percent,
		FPS:        u.FPS,
		ETASeconds: u.ETASeconds,
		Phase:      phase,
	}
	if err := p.client.Progress(ctx, a.FileID, rep); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Debug("sending progress", "file_id", a.FileID, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, workerID types.WorkerID, a *types.Assignment, kind types.ErrorKind, msg string) error {
	p.logger.Warn("job failed", "file_id", a.FileID, "kind", kind, "message", msg)
	rep := types.OutcomeReport{
		LeaseToken: a.LeaseToken,
		Outcome: types.Outcome{Failure: &types.FailureOutcome{
			Kind:      kind,
			Message:   msg,
			Retryable: kind.Retryable(),
		}},
	}
	if err := p.client.Report(ctx, a.FileID, workerID, rep); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Warn("reporting failure", "file_id", a.FileID, "error", err)
	}
	return fmt.Errorf("%s: %s", kind, msg)
}

func (p *Pipeline) skip(ctx context.Context, workerID types.WorkerID, a *types.Assignment, reason types.SkipReason, detail string) error {
	p.logger.Info("job skipped", "file_id", a.FileID, "reason", reason, "detail", detail)
	rep := types.OutcomeReport{
		LeaseToken: a.LeaseToken,
		Outcome: types.Outcome{Skip: &types.SkipOutcome{
			Reason:  reason,
			Message: detail,
		}},
	}
	if err := p.client.Report(ctx, a.FileID, workerID, rep); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Warn("reporting skip", "file_id", a.FileID, "error", err)
	}
	return nil
}
