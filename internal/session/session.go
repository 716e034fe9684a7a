// Package session holds the state of one image-selection context: the
// selected asset, the active run and everything a UI observes about it.
//
// A run is identified by a handle that owns its own context. Every
// asynchronous continuation (progress tick, encode attempt, completion,
// failure) re-checks that its handle is still current before touching
// state, so a callback resolving after Cancel or a new Select is dropped.
package session

import (
	"context"
	"sync"

	"compress-img-go/internal/compressor"
	"compress-img-go/internal/logger"
	"compress-img-go/internal/progress"
	"compress-img-go/internal/statistics"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"
)

// Compressor runs one compression.
type Compressor interface {
	Compress(ctx context.Context, asset *compressor.ImageAsset, cfg compressor.Config, obs compressor.Observer) (*compressor.Result, error)
}

// Phase is the coarse state of the session.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseProgress    Phase = "progress"
	PhaseCompressing Phase = "compressing"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// QualityState tracks the quality descent of the current run. The zero value
// is the reset state.
type QualityState struct {
	CurrentQuality float64 `json:"current_quality"`
	LastSizeBytes  int     `json:"last_size_bytes"`
	HasBlob        bool    `json:"has_blob"`
	Attempts       int     `json:"attempts"`
}

// Failure is the tagged error reported for an aborted run.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AssetInfo describes the selected asset without its bytes.
type AssetInfo struct {
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int    `json:"size_bytes"`
}

// Snapshot is a copy of the observable state.
type Snapshot struct {
	RunID    string             `json:"run_id,omitempty"`
	Phase    Phase              `json:"phase"`
	Asset    *AssetInfo         `json:"asset,omitempty"`
	Quality  QualityState       `json:"quality"`
	Progress progress.Progress  `json:"progress"`
	Result   *compressor.Result `json:"result,omitempty"`
	Failure  *Failure           `json:"failure,omitempty"`
}

// Options configures a Session.
type Options struct {
	Config compressor.Config
	// Ticker drives the cosmetic progress bar. Nil starts compression at once.
	Ticker   *progress.Ticker
	Stats    *statistics.Statistics
	Logger   *logrus.Logger
	Listener func(Event)
}

// run is the handle of one compression run.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	task   *progress.Task
}

// Session is one image-selection context. Only one run is active at a time.
type Session struct {
	compressor Compressor
	cfg        compressor.Config
	ticker     *progress.Ticker
	stats      *statistics.Statistics
	logger     *logrus.Logger
	listener   func(Event)

	mu       sync.RWMutex
	run      *run
	asset    *compressor.ImageAsset
	phase    Phase
	quality  QualityState
	progress progress.Progress
	result   *compressor.Result
	failure  *Failure
}

// New returns an idle Session.
func New(c Compressor, opts Options) *Session {
	if opts.Stats == nil {
		opts.Stats = statistics.NewStatistics()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Session{
		compressor: c,
		cfg:        opts.Config,
		ticker:     opts.Ticker,
		stats:      opts.Stats,
		logger:     opts.Logger,
		listener:   opts.Listener,
		phase:      PhaseIdle,
		progress:   progress.Initial(),
	}
}

// Select cancels any active run, selects asset and starts a new run. It
// returns the new run ID.
func (s *Session) Select(asset *compressor.ImageAsset) string {
	ctx, cancel := context.WithCancel(context.Background())
	h := &run{
		id:     uuid.Must(uuid.NewV4()).String(),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	prev := s.run
	active := s.activeLocked()
	s.resetLocked()
	s.run = h
	s.asset = asset
	s.phase = PhaseProgress
	s.mu.Unlock()

	// a completed or failed run has nothing left to cancel
	if prev != nil && active {
		s.stats.IncrementRunsCancelled()
		s.emit(Event{Type: EventCancelled, RunID: prev.id})
	}
	s.stats.IncrementRunsStarted()
	logger.WithRun(s.logger, h.id, asset.Name).WithField("size", asset.Size()).Info("Image selected")
	s.emit(Event{Type: EventSelected, RunID: h.id, Asset: assetInfo(asset)})

	if s.ticker == nil {
		go s.compress(h, asset)
		return h.id
	}

	task := s.ticker.Start(ctx,
		func(p progress.Progress) { s.onTick(h, p) },
		func() { s.compress(h, asset) },
	)
	s.mu.Lock()
	if s.run == h {
		h.task = task
	} else {
		task.Stop()
	}
	s.mu.Unlock()
	return h.id
}

// Cancel stops the active run, if any, and resets all observable state.
func (s *Session) Cancel() {
	s.mu.Lock()
	prev := s.run
	active := s.activeLocked()
	var name string
	if s.asset != nil {
		name = s.asset.Name
	}
	s.resetLocked()
	s.mu.Unlock()

	if prev == nil {
		return
	}
	if active {
		s.stats.IncrementRunsCancelled()
	}
	logger.WithRun(s.logger, prev.id, name).Info("Compression cancelled")
	s.emit(Event{Type: EventCancelled, RunID: prev.id})
}

func (s *Session) activeLocked() bool {
	return s.run != nil && (s.phase == PhaseProgress || s.phase == PhaseCompressing)
}

// resetLocked cancels the current handle and restores defaults. s.mu must be held.
func (s *Session) resetLocked() {
	if s.run != nil {
		s.run.task.Stop()
		s.run.cancel()
	}
	s.run = nil
	s.asset = nil
	s.phase = PhaseIdle
	s.quality = QualityState{}
	s.progress = progress.Initial()
	s.result = nil
	s.failure = nil
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Phase:    s.phase,
		Quality:  s.quality,
		Progress: s.progress,
	}
	if s.run != nil {
		snap.RunID = s.run.id
	}
	if s.asset != nil {
		snap.Asset = assetInfo(s.asset)
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.failure != nil {
		f := *s.failure
		snap.Failure = &f
	}
	return snap
}

// Asset returns the selected asset, or nil.
func (s *Session) Asset() *compressor.ImageAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asset
}

// Result returns the result of the current run and its asset once complete.
func (s *Session) Result() (*compressor.Result, *compressor.ImageAsset) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return nil, nil
	}
	return s.result, s.asset
}

// Stats returns the statistics the session records into.
func (s *Session) Stats() *statistics.Statistics {
	return s.stats
}

// update applies fn only while h is the live run. It reports whether fn ran.
func (s *Session) update(h *run, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != h || h.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (s *Session) onTick(h *run, p progress.Progress) {
	if s.update(h, func() { s.progress = p }) {
		s.emit(Event{Type: EventProgress, RunID: h.id, Progress: &p})
	}
}

func (s *Session) onAttempt(h *run, a compressor.Attempt) {
	applied := s.update(h, func() {
		s.stats.IncrementEncodeAttempts()
		s.quality = QualityState{
			CurrentQuality: a.Quality,
			LastSizeBytes:  a.SizeBytes,
			HasBlob:        true,
			Attempts:       a.Index + 1,
		}
	})
	if applied {
		s.emit(Event{Type: EventAttempt, RunID: h.id, Attempt: &a})
	}
}

// compress runs the controller for h and publishes the outcome if h is still live.
func (s *Session) compress(h *run, asset *compressor.ImageAsset) {
	if !s.update(h, func() { s.phase = PhaseCompressing }) {
		return
	}
	log := logger.WithRun(s.logger, h.id, asset.Name)

	obs := compressor.ObserverFunc(func(a compressor.Attempt) { s.onAttempt(h, a) })
	res, err := s.compressor.Compress(h.ctx, asset, s.cfg, obs)
	if err != nil {
		failure := &Failure{Kind: compressor.KindOf(err).String(), Message: err.Error()}
		applied := s.update(h, func() {
			s.phase = PhaseFailed
			s.quality = QualityState{}
			s.progress = progress.Initial()
			s.failure = failure
		})
		if !applied {
			log.Debug("Dropping failure of stale run")
			return
		}
		s.stats.AddError(asset.Name, failure.Kind, failure.Message)
		log.Errorf("Compression failed: %v", err)
		s.emit(Event{Type: EventFailed, RunID: h.id, Failure: failure})
		return
	}

	applied := s.update(h, func() {
		s.phase = PhaseComplete
		s.result = res
		s.progress = progress.Done()
		s.quality = QualityState{
			CurrentQuality: res.QualityUsed,
			LastSizeBytes:  res.SizeBytes,
			HasBlob:        true,
			Attempts:       res.Attempts,
		}
	})
	if !applied {
		log.Debug("Dropping result of stale run")
		return
	}
	s.stats.RecordResult(res.OriginalSize, res.SizeBytes,
		res.HasDiagnostic(compressor.DiagnosticFloorCorrection),
		res.HasDiagnostic(compressor.DiagnosticLowQuality),
		res.HasDiagnostic(compressor.DiagnosticNotSmaller))
	s.emit(Event{Type: EventCompleted, RunID: h.id, Result: res})
}

func (s *Session) emit(e Event) {
	if s.listener != nil {
		s.listener(e)
	}
}

func assetInfo(a *compressor.ImageAsset) *AssetInfo {
	return &AssetInfo{Name: a.Name, MIMEType: a.MIMEType, SizeBytes: a.Size()}
}
