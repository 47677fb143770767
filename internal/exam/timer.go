package exam

import (
	"maps"
	"strconv"
	"time"

	"github.com/pavelanni/toeic/internal/model"
)

// Phase is the state of a question's countdown at a given instant.
type Phase string

const (
	PhaseUntimed    Phase = "untimed"
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseResponding Phase = "responding"
	PhaseExpired    Phase = "expired"
)

// Anchor keys. One anchor exists per countdown scope.
func partAnchor(part int) string { return "part:" + strconv.Itoa(part) }

func questionAnchor(id string) string { return "question:" + id }

func prepAnchor(id string) string { return "prep:" + id }

func responseAnchor(id string) string { return "response:" + id }

// StartAnchor returns anchors with key set to now, unless key is already
// anchored, in which case anchors is returned unchanged and started is false.
// The input map is never modified.
func StartAnchor(anchors map[string]time.Time, key string, now time.Time) (out map[string]time.Time, started bool) {
	if _, exists := anchors[key]; exists {
		return anchors, false
	}
	out = maps.Clone(anchors)
	if out == nil {
		out = make(map[string]time.Time, 1)
	}
	out[key] = now
	return out, true
}

type timing int

const (
	untimed timing = iota
	shared
	perQuestion
	twoPhase
)

// Timer computes countdowns from wall-clock anchors. It never mutates a snapshot.
type Timer struct {
	cat *model.Catalog
}

// NewTimer returns a Timer for the questions and part policies of cat.
func NewTimer(cat *model.Catalog) Timer {
	return Timer{cat: cat}
}

func (t Timer) timingOf(q model.QuestionDescriptor) timing {
	policy, _ := t.cat.Policy(q.Part)
	switch {
	case policy.Budget == model.BudgetShared && q.PartTimeLimitSeconds > 0:
		return shared
	case policy.Budget == model.BudgetPerQuestion && q.PartTimeLimitSeconds > 0:
		return perQuestion
	case q.TwoPhase():
		return twoPhase
	default:
		return untimed
	}
}

// Timed reports whether q runs any countdown.
func (t Timer) Timed(q model.QuestionDescriptor) bool {
	return t.timingOf(q) != untimed
}

// EntryKey is the anchor started when q becomes active, or "" for untimed questions.
func (t Timer) EntryKey(q model.QuestionDescriptor) string {
	switch t.timingOf(q) {
	case shared:
		return partAnchor(q.Part)
	case perQuestion:
		return questionAnchor(q.ID)
	case twoPhase:
		if q.PrepSeconds > 0 {
			return prepAnchor(q.ID)
		}
		return responseAnchor(q.ID)
	}
	return ""
}

// ScopeKey names the countdown whose expiry governs q, or "" for untimed questions.
// Questions of a shared-budget part share one scope.
func (t Timer) ScopeKey(q model.QuestionDescriptor) string {
	switch t.timingOf(q) {
	case shared:
		return partAnchor(q.Part)
	case perQuestion:
		return questionAnchor(q.ID)
	case twoPhase:
		return responseAnchor(q.ID)
	}
	return ""
}

// ResponseStart returns when the response phase of a two-phase question begins:
// the explicit response anchor if present, else the end of preparation.
func (t Timer) ResponseStart(q model.QuestionDescriptor, snap model.Snapshot) (time.Time, bool) {
	if at, found := snap.TimerAnchors[responseAnchor(q.ID)]; found {
		return at, true
	}
	if at, found := snap.TimerAnchors[prepAnchor(q.ID)]; found {
		return at.Add(seconds(q.PrepSeconds)), true
	}
	return time.Time{}, false
}

// Phase returns the countdown phase of q at now.
func (t Timer) Phase(q model.QuestionDescriptor, snap model.Snapshot, now time.Time) Phase {
	switch t.timingOf(q) {
	case untimed:
		return PhaseUntimed
	case twoPhase:
		start, found := t.ResponseStart(q, snap)
		if !found {
			return PhaseIdle
		}
		if now.Before(start) {
			return PhasePreparing
		}
		if now.Before(start.Add(seconds(q.ResponseSeconds))) {
			return PhaseResponding
		}
		return PhaseExpired
	default:
		anchor, found := snap.TimerAnchors[t.ScopeKey(q)]
		if !found {
			return PhaseIdle
		}
		if now.Before(anchor.Add(seconds(q.PartTimeLimitSeconds))) {
			return PhaseResponding
		}
		return PhaseExpired
	}
}

// Remaining returns the time left in the active countdown of q. timed is false
// for untimed questions. Before anchoring, the full first-phase budget is reported.
func (t Timer) Remaining(q model.QuestionDescriptor, snap model.Snapshot, now time.Time) (remaining time.Duration, timed bool) {
	switch t.timingOf(q) {
	case untimed:
		return 0, false
	case twoPhase:
		start, found := t.ResponseStart(q, snap)
		if !found {
			if q.PrepSeconds > 0 {
				return seconds(q.PrepSeconds), true
			}
			return seconds(q.ResponseSeconds), true
		}
		if now.Before(start) {
			return start.Sub(now), true
		}
		return clamp(start.Add(seconds(q.ResponseSeconds)).Sub(now)), true
	default:
		anchor, found := snap.TimerAnchors[t.ScopeKey(q)]
		if !found {
			return seconds(q.PartTimeLimitSeconds), true
		}
		return clamp(seconds(q.PartTimeLimitSeconds) - now.Sub(anchor)), true
	}
}

// Deadline returns when q's governing countdown runs out. found is false for
// untimed questions and countdowns that have not started.
func (t Timer) Deadline(q model.QuestionDescriptor, snap model.Snapshot) (deadline time.Time, found bool) {
	switch t.timingOf(q) {
	case untimed:
		return time.Time{}, false
	case twoPhase:
		start, found := t.ResponseStart(q, snap)
		if !found {
			return time.Time{}, false
		}
		return start.Add(seconds(q.ResponseSeconds)), true
	default:
		anchor, found := snap.TimerAnchors[t.ScopeKey(q)]
		if !found {
			return time.Time{}, false
		}
		return anchor.Add(seconds(q.PartTimeLimitSeconds)), true
	}
}

// Expired reports whether q's governing countdown was started and has run out.
func (t Timer) Expired(q model.QuestionDescriptor, snap model.Snapshot, now time.Time) bool {
	return t.Phase(q, snap, now) == PhaseExpired
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
