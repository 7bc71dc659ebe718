// Package supervisor polls motor status per channel, classifies faults,
// and drives recovery: per-motor clear/enable cycles first, then the
// channel reset ladder when motor-level recovery cannot make progress.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robo-infra/armbus/internal/backend"
	"github.com/robo-infra/armbus/internal/config"
	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/internal/metrics"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// Attempts per motor within one recovery episode. The episode-wide bound
// from config still applies on top.
const perMotorAttempts = 3

// Consecutive poll failures tolerated before the channel is treated as a
// bus problem even when no single error classifies as one.
const pollFailureThreshold = 3

// Ladder runs one full reset escalation for a channel.
type Ladder interface {
	Run(ctx context.Context) ([]models.ResetAttempt, bool)
}

// Channel couples everything the supervisor needs for one bus.
type Channel struct {
	Name   string
	Arm    models.Side
	Chain  backend.Chain
	Ladder Ladder
}

// EpisodeReport summarizes one recovery episode for operators.
type EpisodeReport struct {
	Channel         string                `json:"channel"`
	Arm             models.Side           `json:"arm"`
	Mode            models.EnableMode     `json:"mode"`
	Started         time.Time             `json:"started"`
	Elapsed         time.Duration         `json:"elapsed"`
	Classification  map[int]string        `json:"classification"`
	Recovered       []int                 `json:"recovered"`
	Persistent      []int                 `json:"persistent"`
	EscalatedToFull bool                  `json:"escalated_to_full,omitempty"`
	LadderAttempts  []models.ResetAttempt `json:"ladder_attempts,omitempty"`
	SucceededLevel  int                   `json:"succeeded_level"` // 0 when no ladder level verified
}

type channelState struct {
	Channel

	mu         sync.Mutex
	faults     map[int]*models.MotorFault
	errs       fault.Metrics // poll failure tracking
	episodes   int           // ladder episodes consumed
	exhausted  bool
	state      models.ChannelState
	lastReport *EpisodeReport
}

// Supervisor owns the poll loop and recovery logic for all channels.
type Supervisor struct {
	cfg      config.SupervisorConfig
	log      *logging.Logger
	met      *metrics.Metrics
	classify fault.Classifier // categorizes untyped chain errors

	channels []*channelState
	byArm    map[models.Side]*channelState

	// Relay apply failures and enable requests both funnel in here.
	busFaults chan string // channel name
	requests  <-chan *models.EnableRequest
}

// New builds a supervisor over the given channels. requests may be nil
// when no enable listener is wired.
func New(cfg config.SupervisorConfig, channels []Channel, requests <-chan *models.EnableRequest, met *metrics.Metrics, log *logging.Logger) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		log:       log.WithField("component", "supervisor"),
		met:       met,
		byArm:     make(map[models.Side]*channelState),
		busFaults: make(chan string, 16),
		requests:  requests,
	}
	for _, ch := range channels {
		cs := &channelState{
			Channel: ch,
			faults:  make(map[int]*models.MotorFault),
			state:   models.ChannelBound,
		}
		s.channels = append(s.channels, cs)
		s.byArm[ch.Arm] = cs
	}
	return s
}

// ReportBusFault tells the supervisor that a relay saw a bus-level error
// on the named channel. Non-blocking; duplicate reports coalesce into
// one escalation on the next cycle.
func (s *Supervisor) ReportBusFault(channel string) {
	select {
	case s.busFaults <- channel:
	default:
	}
}

// Run polls until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("Supervisor started", map[string]interface{}{
		"channels":      len(s.channels),
		"poll_interval": s.cfg.PollInterval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			for _, cs := range s.channels {
				s.pollChannel(ctx, cs)
			}

		case name := <-s.busFaults:
			if cs := s.byName(name); cs != nil {
				s.escalate(ctx, cs, s.cfg.DefaultMode)
			}

		case req, ok := <-s.requests:
			if !ok {
				s.requests = nil
				continue
			}
			s.handleEnableRequest(ctx, req)
		}
	}
}

func (s *Supervisor) byName(name string) *channelState {
	for _, cs := range s.channels {
		if cs.Name == name {
			return cs
		}
	}
	return nil
}

// pollChannel reads one status snapshot, refreshes fault records, and
// kicks off recovery when anything needs it. Poll failures are tracked
// per channel; a run of them is treated as a bus problem even when no
// single error classifies as one.
func (s *Supervisor) pollChannel(ctx context.Context, cs *channelState) {
	statuses, err := cs.Chain.PollStatus(ctx)
	if err != nil {
		kind := fault.TypeOf(err)
		if kind == fault.TypeUnknown {
			kind = s.classify.Classify(err)
		}

		cs.mu.Lock()
		cs.errs.Record(fault.New(kind, "poll", cs.Name, "status poll failed", err))
		consecutive := cs.errs.ConsecutiveFailures
		cs.mu.Unlock()

		s.log.Warn("Status poll failed", map[string]interface{}{
			"channel":     cs.Name,
			"error":       err.Error(),
			"kind":        kind.String(),
			"consecutive": consecutive,
		})
		if kind == fault.TypeBus || consecutive >= pollFailureThreshold {
			s.escalate(ctx, cs, s.cfg.DefaultMode)
		}
		return
	}

	cs.mu.Lock()
	cs.errs.RecordSuccess()
	cs.mu.Unlock()

	needy := s.refreshFaults(cs, statuses)
	if len(needy) == 0 || s.isExhausted(cs) {
		return
	}
	s.runEpisode(ctx, cs, s.cfg.DefaultMode)
}

// refreshFaults reconciles fault records against a fresh snapshot and
// returns the ids that need recovery.
func (s *Supervisor) refreshFaults(cs *channelState, statuses []models.MotorStatus) []int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var needy []int
	for _, st := range statuses {
		state := st.State()

		if state == models.MotorEnabled {
			if _, ok := cs.faults[st.ID]; ok {
				s.log.Info("Motor back to nominal", map[string]interface{}{
					"channel": cs.Name,
					"motor":   st.ID,
				})
				delete(cs.faults, st.ID)
			}
			continue
		}

		f, ok := cs.faults[st.ID]
		if !ok {
			f = &models.MotorFault{
				Channel:        cs.Name,
				MotorID:        st.ID,
				Classification: models.StatusMessage(st.Code),
				Code:           st.Code,
				FirstSeen:      time.Now(),
				State:          models.MotorUnknown,
			}
			cs.faults[st.ID] = f
			s.met.MotorFaults.WithLabelValues(cs.Name, f.Classification).Inc()
			s.log.Warn("Motor fault detected", map[string]interface{}{
				"channel":        cs.Name,
				"motor":          st.ID,
				"classification": f.Classification,
			})
		}
		f.LastSeen = time.Now()
		f.Code = st.Code
		f.Classification = models.StatusMessage(st.Code)
		if f.State != state {
			if err := f.Transition(state); err != nil {
				// Stale record from a previous episode; restart it.
				f.State = state
			}
		}
		needy = append(needy, st.ID)
	}
	sort.Ints(needy)

	s.met.MotorsFaulted.WithLabelValues(cs.Name).Set(float64(len(cs.faults)))
	return needy
}

func (s *Supervisor) isExhausted(cs *channelState) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.exhausted
}

// handleEnableRequest runs an operator-initiated episode on the arm's
// channel, in the requested mode. An empty or "both" arm targets every
// channel; status queries just log the current report.
func (s *Supervisor) handleEnableRequest(ctx context.Context, req *models.EnableRequest) {
	if req.Type == "status" {
		s.log.Info("Status query", map[string]interface{}{
			"report": s.Report(),
		})
		return
	}

	var targets []*channelState
	if req.Arm == "" || req.Arm == "both" {
		targets = s.channels
	} else if cs, ok := s.byArm[req.Arm]; ok {
		targets = []*channelState{cs}
	} else {
		s.log.Warn("Enable request for unknown arm", map[string]interface{}{
			"arm": string(req.Arm),
		})
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	s.log.Info("Enable requested", map[string]interface{}{
		"arm":  string(req.Arm),
		"mode": string(mode),
	})

	for _, cs := range targets {
		// An explicit operator request resets ladder exhaustion: a human
		// has intervened, automatic retry limits no longer apply.
		cs.mu.Lock()
		cs.exhausted = false
		cs.episodes = 0
		cs.mu.Unlock()

		s.runEpisode(ctx, cs, mode)
	}
}

// runEpisode performs one recovery pass: per-motor clear/enable cycles,
// then ladder escalation if no motor made progress.
func (s *Supervisor) runEpisode(ctx context.Context, cs *channelState, mode models.EnableMode) {
	start := time.Now()
	report := &EpisodeReport{
		Channel:        cs.Name,
		Arm:            cs.Arm,
		Mode:           mode,
		Started:        start,
		Classification: make(map[int]string),
	}

	targets := s.episodeTargets(cs, mode, report)
	recovered, persistent := s.recoverMotors(ctx, cs, targets)
	report.Recovered = recovered
	report.Persistent = persistent

	// A partial pass that leaves motors broken escalates to a full
	// chain cycle before the bus itself is suspected.
	if len(report.Persistent) > 0 && mode == models.EnablePartial {
		s.log.Info("Partial recovery incomplete, cycling the full chain", map[string]interface{}{
			"channel":    cs.Name,
			"persistent": report.Persistent,
		})
		report.EscalatedToFull = true
		full := s.episodeTargets(cs, models.EnableFull, report)
		rec, pers := s.recoverMotors(ctx, cs, full)
		report.Recovered = append(report.Recovered, rec...)
		report.Persistent = pers
	}

	// No progress at motor level and something still broken: the bus
	// itself is suspect, escalate.
	if len(report.Persistent) > 0 && len(report.Recovered) == 0 {
		attempts, level := s.escalate(ctx, cs, mode)
		report.LadderAttempts = attempts
		report.SucceededLevel = level

		if level > 0 {
			rec, pers := s.recoverMotors(ctx, cs, report.Persistent)
			report.Recovered = append(report.Recovered, rec...)
			report.Persistent = pers
		}
	}

	report.Elapsed = time.Since(start)

	outcome := "recovered"
	if len(report.Persistent) > 0 {
		outcome = "persistent"
	}
	s.met.RecoveryEpisodes.WithLabelValues(cs.Name, outcome).Inc()

	cs.mu.Lock()
	cs.lastReport = report
	cs.mu.Unlock()

	s.log.Info("Recovery episode finished", map[string]interface{}{
		"channel":    cs.Name,
		"mode":       string(mode),
		"recovered":  len(report.Recovered),
		"persistent": len(report.Persistent),
		"elapsed":    report.Elapsed.String(),
	})
}

// episodeTargets selects the motors an episode touches. Partial mode
// leaves nominal motors strictly alone; full mode cycles every motor on
// the chain.
func (s *Supervisor) episodeTargets(cs *channelState, mode models.EnableMode, report *EpisodeReport) []int {
	var fullChain []int
	if mode == models.EnableFull {
		if statuses, err := cs.Chain.PollStatus(context.Background()); err == nil {
			for _, st := range statuses {
				fullChain = append(fullChain, st.ID)
			}
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var targets []int
	if mode == models.EnableFull {
		targets = fullChain
		if len(targets) == 0 {
			for id := range cs.faults {
				targets = append(targets, id)
			}
		}
	} else {
		for id, f := range cs.faults {
			if f.State.NeedsRecovery() {
				targets = append(targets, id)
			}
		}
	}
	sort.Ints(targets)

	for _, id := range targets {
		if f, ok := cs.faults[id]; ok {
			report.Classification[id] = f.Classification
		} else {
			report.Classification[id] = "nominal"
		}
	}
	return targets
}

// recoverMotors runs clear-error/enable cycles on each target with
// mandatory verification, bounded per motor and per episode. Only
// motors that carried a fault record count as recovered; a nominal
// motor cycled in full mode verifies trivially and proves nothing.
func (s *Supervisor) recoverMotors(ctx context.Context, cs *channelState, targets []int) (recovered, persistent []int) {
	budget := s.cfg.MaxEnableAttempts

	for _, id := range targets {
		hadFault := s.hasFault(cs, id)
		s.transitionFault(cs, id, models.MotorRecovering)

		ok := false
		for attempt := 0; attempt < perMotorAttempts && budget > 0; attempt++ {
			budget--

			if err := cs.Chain.ClearError(ctx, id); err != nil {
				s.log.Warn("Clear-error failed", map[string]interface{}{
					"channel": cs.Name, "motor": id, "error": err.Error(),
				})
				continue
			}
			sleepCtx(ctx, s.cfg.SettleTime)

			if err := cs.Chain.Enable(ctx, id); err != nil {
				s.log.Warn("Enable failed", map[string]interface{}{
					"channel": cs.Name, "motor": id, "error": err.Error(),
				})
				continue
			}
			sleepCtx(ctx, s.cfg.SettleTime)

			if s.verifyMotor(ctx, cs, id) {
				ok = true
				break
			}
		}

		if ok {
			s.transitionFault(cs, id, models.MotorEnabled)
			s.clearFault(cs, id)
			if hadFault {
				recovered = append(recovered, id)
			}
		} else {
			s.transitionFault(cs, id, models.MotorError)
			persistent = append(persistent, id)
		}

		if budget == 0 {
			s.log.Warn("Episode attempt budget exhausted", map[string]interface{}{
				"channel": cs.Name,
			})
			for _, rest := range targets {
				if rest > id {
					persistent = append(persistent, rest)
				}
			}
			break
		}
	}
	return recovered, persistent
}

// verifyMotor rereads status and accepts recovery only on a nominal
// readback. An enable frame that got no acknowledging poll is a failure.
func (s *Supervisor) verifyMotor(ctx context.Context, cs *channelState, id int) bool {
	statuses, err := cs.Chain.PollStatus(ctx)
	if err != nil {
		return false
	}
	for _, st := range statuses {
		if st.ID == id {
			return st.State() == models.MotorEnabled
		}
	}
	return false
}

func (s *Supervisor) transitionFault(cs *channelState, id int, to models.MotorState) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	f, ok := cs.faults[id]
	if !ok {
		return
	}
	if err := f.Transition(to); err != nil {
		s.log.Debug("Forcing motor state", map[string]interface{}{
			"channel": cs.Name, "motor": id,
			"from": string(f.State), "to": string(to),
		})
		f.State = to
	}
}

func (s *Supervisor) hasFault(cs *channelState, id int) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.faults[id]
	return ok
}

func (s *Supervisor) clearFault(cs *channelState, id int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.faults, id)
	s.met.MotorsFaulted.WithLabelValues(cs.Name).Set(float64(len(cs.faults)))
}

// escalate runs one ladder episode if the budget allows. Returns the
// attempt log and the verified level (0 for none).
func (s *Supervisor) escalate(ctx context.Context, cs *channelState, mode models.EnableMode) ([]models.ResetAttempt, int) {
	cs.mu.Lock()
	if cs.exhausted {
		cs.mu.Unlock()
		return nil, 0
	}
	if cs.episodes >= s.cfg.MaxLadderEpisodes {
		cs.exhausted = true
		cs.state = models.ChannelFaulted
		cs.mu.Unlock()

		s.met.ChannelState.WithLabelValues(cs.Name).Set(2)
		s.log.Error("Ladder episode budget exhausted, channel faulted", map[string]interface{}{
			"channel":  cs.Name,
			"episodes": s.cfg.MaxLadderEpisodes,
		})
		return nil, 0
	}
	cs.episodes++
	cs.mu.Unlock()

	attempts, ok := cs.Ladder.Run(ctx)
	for _, a := range attempts {
		result := "failed"
		if a.Verified {
			result = "verified"
		} else if a.Success {
			result = "unverified"
		}
		s.met.LadderLevelRuns.WithLabelValues(cs.Name, fmt.Sprintf("%d", a.Level), result).Inc()
	}

	if !ok {
		cs.mu.Lock()
		if cs.episodes >= s.cfg.MaxLadderEpisodes {
			cs.exhausted = true
			cs.state = models.ChannelFaulted
			s.met.ChannelState.WithLabelValues(cs.Name).Set(2)
		}
		cs.mu.Unlock()
		return attempts, 0
	}

	for _, a := range attempts {
		if a.Verified {
			return attempts, a.Level
		}
	}
	return attempts, 0
}

// Report returns the status snapshot served over HTTP.
func (s *Supervisor) Report() map[string]interface{} {
	out := make(map[string]interface{})
	for _, cs := range s.channels {
		cs.mu.Lock()

		faults := make([]*models.MotorFault, 0, len(cs.faults))
		for _, f := range cs.faults {
			faults = append(faults, f)
		}
		sort.Slice(faults, func(i, j int) bool { return faults[i].MotorID < faults[j].MotorID })

		entry := map[string]interface{}{
			"arm":                       string(cs.Arm),
			"state":                     string(cs.state),
			"ladder_episodes":           cs.episodes,
			"exhausted":                 cs.exhausted,
			"faults":                    faults,
			"poll_errors":               cs.errs.Total,
			"consecutive_poll_failures": cs.errs.ConsecutiveFailures,
		}
		if cs.lastReport != nil {
			entry["last_episode"] = cs.lastReport
		}
		cs.mu.Unlock()

		out[cs.Name] = entry
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
