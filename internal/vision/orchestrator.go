package vision

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// sessionPhase is the Searching/Tracking state spec.md §4.6 assigns to a
// tracking session, independent of the per-frame Mode a result reports.
type sessionPhase int

const (
	phaseSearching sessionPhase = iota
	phaseTracking
)

// sessionState is one tracking session's live state: which target it is
// currently locked onto (if any), that target's last quadrilateral and
// flow bookkeeping, how many frames have elapsed since the last detection
// pass, and the previous frame (owned, released on replacement or session
// close) optical flow needs as its "prev" input.
type sessionState struct {
	mu sync.Mutex

	phase         sessionPhase
	targetID      string
	corners       QuadCorners
	frameCounter  int
	track         *TrackState
	prevFrame     *Handle
	busy          bool
}

// TrackingOrchestrator runs the per-session Searching/Tracking state
// machine of spec.md §4.6: vocabulary-filtered detection while searching
// or on periodic revalidation, optical flow on the frames in between, and
// the redetect signal wiring between the two.
type TrackingOrchestrator struct {
	catalog  *TargetCatalog
	vocab    *VocabularyIndex
	detector *FeatureDetector
	flow     *OpticalFlowTracker
	kalman   *CornerSmoother
	params   Params

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func NewTrackingOrchestrator(catalog *TargetCatalog, vocab *VocabularyIndex, params Params) *TrackingOrchestrator {
	o := &TrackingOrchestrator{
		catalog:  catalog,
		vocab:    vocab,
		detector: NewFeatureDetector(params),
		flow:     NewOpticalFlowTracker(params),
		params:   params,
		sessions: make(map[string]*sessionState),
	}
	if params.KalmanSmoothing {
		o.kalman = NewCornerSmoother()
	}
	return o
}

func (o *TrackingOrchestrator) session(id string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		s = &sessionState{phase: phaseSearching}
		o.sessions[id] = s
	}
	return s
}

// CloseSession releases the session's retained previous-frame handle and
// drops its state. Callers must invoke this when a session ends; otherwise
// its prevFrame Handle leaks until process exit.
func (o *TrackingOrchestrator) CloseSession(id string) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if ok {
		delete(o.sessions, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.prevFrame != nil {
		s.prevFrame.Close()
	}
	s.mu.Unlock()
}

// IsBusy reports whether a ProcessFrame call for this session is already
// in flight, the signal the frame-ingestion endpoint uses to answer a new
// frame with back-pressure instead of queuing it behind a slow one.
func (o *TrackingOrchestrator) IsBusy(sessionID string) bool {
	s := o.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// ProcessFrame runs one frame through the state machine for sessionID.
// gray must be a preprocessed (downscaled, blurred+equalized) grayscale
// Mat; frameID must be strictly increasing per session, since it also
// keys the feature detector's per-frame descriptor cache.
func (o *TrackingOrchestrator) ProcessFrame(sessionID string, frameID uint64, gray gocv.Mat, pool *ResourcePool) TrackingResult {
	s := o.session(sessionID)
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return TrackingResult{Success: false, Mode: ModeNone, Timestamp: now()}
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	o.detector.InvalidateCache()

	var result TrackingResult
	switch s.phase {
	case phaseTracking:
		if s.frameCounter >= o.params.DetectionInterval {
			result = o.revalidate(s, gray, frameID)
		} else {
			result = o.trackStep(s, gray, frameID, pool)
		}
	default:
		result = o.searchStep(s, gray, frameID)
	}

	o.rotatePrevFrame(s, gray, pool)
	result.Timestamp = now()
	return result
}

// detectTopCandidate runs the Detecting state shared by the initial search
// and periodic revalidation (spec.md §4.6, §4.4): query the vocabulary for
// the top-T candidates (Open Question (c): the vocabulary index always
// chooses candidates, regardless of which target a UI caller may have
// marked "active"), run detection+matching against each, and return the
// outcome with the highest GoodMatchCount rather than the first success,
// since the vocabulary's coarse TF-IDF rank is not guaranteed to agree with
// live match count.
func (o *TrackingOrchestrator) detectTopCandidate(gray gocv.Mat, frameID uint64) (string, DetectionOutcome, bool) {
	targets := o.catalog.List()
	ids := make([]string, len(targets))
	byID := make(map[string]*ReferenceTarget, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
		byID[t.ID] = t
	}
	if len(ids) == 0 {
		return "", DetectionOutcome{}, false
	}

	query, err := extractDescriptorSet(gray, o.params.MaxFrameFeatures, 50)
	var candidates []string
	if err == nil {
		candidates = o.vocab.Query(query, ids, o.params.VocabTopT)
	} else {
		candidates = ids
	}

	var bestID string
	var best DetectionOutcome
	found := false
	for _, id := range candidates {
		t := byID[id]
		if t == nil {
			continue
		}
		outcome := o.detector.DetectAndMatch(gray, frameID, t)
		if !outcome.Success {
			continue
		}
		if !found || outcome.GoodMatchCount > best.GoodMatchCount {
			bestID = id
			best = outcome
			found = true
		}
	}
	return bestID, best, found
}

// lockOnto transitions s into Tracking against id, seeding fresh flow and
// (if enabled) Kalman state.
func (o *TrackingOrchestrator) lockOnto(s *sessionState, id string, outcome DetectionOutcome) {
	s.phase = phaseTracking
	s.targetID = id
	s.corners = outcome.Corners
	s.frameCounter = 0
	s.track = NewTrackState()
	if o.kalman != nil {
		o.kalman.Reset(id)
	}
}

// searchStep runs the Detecting state against every vocabulary-shortlisted
// candidate and locks onto the best match, if any.
func (o *TrackingOrchestrator) searchStep(s *sessionState, gray gocv.Mat, frameID uint64) TrackingResult {
	id, outcome, ok := o.detectTopCandidate(gray, frameID)
	if !ok {
		return TrackingResult{Success: false, Mode: ModeNone}
	}
	o.lockOnto(s, id, outcome)
	return TrackingResult{
		Success:  true,
		TargetID: id,
		Corners:  outcome.Corners,
		Mode:     ModeDetection,
		Quality:  QualityMetrics{Composite: 1},
	}
}

// trackStep runs one optical-flow step against the locked target.
func (o *TrackingOrchestrator) trackStep(s *sessionState, gray gocv.Mat, frameID uint64, pool *ResourcePool) TrackingResult {
	if s.prevFrame == nil {
		// No previous frame to flow from yet; treat this tick as a
		// forced revalidation instead of failing outright.
		return o.revalidate(s, gray, frameID)
	}

	outcome := o.flow.Track(s.prevFrame.Mat, gray, s.corners, s.track, pool)
	if !outcome.Success {
		s.phase = phaseSearching
		// Open Question (b): preserve cadence rather than resetting to
		// zero, so the very next frame retries detection immediately.
		s.frameCounter = o.params.DetectionInterval - 1
		return TrackingResult{Success: false, TargetID: s.targetID, Mode: ModeFlow}
	}

	s.corners = outcome.Corners
	s.frameCounter++
	if outcome.ShouldRedetect {
		s.frameCounter = o.params.DetectionInterval
	}
	corners := outcome.Corners
	if o.kalman != nil {
		corners = o.kalman.Smooth(s.targetID, corners)
	}
	return TrackingResult{
		Success:        true,
		TargetID:       s.targetID,
		Corners:        corners,
		Mode:           ModeFlow,
		Quality:        outcome.Quality,
		ShouldRedetect: outcome.ShouldRedetect,
	}
}

// revalidate re-enters the same Detecting state as the initial search, on
// the DETECTION_INTERVAL cadence or after a forced redetect signal: it
// queries the vocabulary's top-T candidates again rather than restricting
// itself to the currently-locked target, so a periodic revalidation can
// hand off to a different target if it now matches better. A failure here
// falls back to Searching, as a failed flow step does.
func (o *TrackingOrchestrator) revalidate(s *sessionState, gray gocv.Mat, frameID uint64) TrackingResult {
	id, outcome, ok := o.detectTopCandidate(gray, frameID)
	if !ok {
		s.phase = phaseSearching
		return TrackingResult{Success: false, TargetID: s.targetID, Mode: ModeDetection}
	}
	o.lockOnto(s, id, outcome)
	return TrackingResult{
		Success:  true,
		TargetID: id,
		Corners:  outcome.Corners,
		Mode:     ModeDetection,
		Quality:  QualityMetrics{Composite: 1},
	}
}

// rotatePrevFrame stores a pool-owned copy of gray as the session's "prev"
// frame for the next call, closing whatever it previously held.
func (o *TrackingOrchestrator) rotatePrevFrame(s *sessionState, gray gocv.Mat, pool *ResourcePool) {
	next := pool.Acquire()
	gray.CopyTo(&next.Mat)

	s.mu.Lock()
	old := s.prevFrame
	s.prevFrame = next
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// now is the orchestrator's sole timestamp source, isolated so tests can
// stub it without depending on wall-clock time.
var now = func() time.Time { return time.Now() }
