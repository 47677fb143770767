package exam

import "fmt"

// Reason identifies why an operation was rejected. Reasons double as i18n message IDs.
type Reason string

const (
	ReasonNone Reason = ""

	ReasonNotStarted      Reason = "not_started"
	ReasonFinished        Reason = "finished"
	ReasonAlreadyFinished Reason = "already_finished"
	ReasonNotFinished     Reason = "not_finished"
	ReasonLocked          Reason = "locked"

	ReasonOutOfRange     Reason = "out_of_range"
	ReasonGateIncomplete Reason = "gate_incomplete"
	ReasonOneWay         Reason = "one_way"
	ReasonNoSelection    Reason = "no_selection"

	ReasonUnknownQuestion Reason = "unknown_question"
	ReasonUnknownPart     Reason = "unknown_part"

	ReasonTimerNotStarted Reason = "timer_not_started"
	ReasonPreparing       Reason = "preparing"
	ReasonNotPreparing    Reason = "not_preparing"
	ReasonTimeExpired     Reason = "time_expired"

	ReasonNoAnswers Reason = "no_answers"
)

// Result is the outcome of a machine operation. A zero Result means success.
type Result struct {
	Reason Reason
}

// OK reports whether the operation was applied.
func (r Result) OK() bool {
	return r.Reason == ReasonNone
}

func ok() Result { return Result{} }

func reject(reason Reason) Result { return Result{Reason: reason} }

// Rejection is the error form of a failed Result.
type Rejection struct {
	Op     string
	Reason Reason
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// Err converts r into a *Rejection, or nil when r is a success.
func (r Result) Err(op string) error {
	if r.OK() {
		return nil
	}
	return &Rejection{Op: op, Reason: r.Reason}
}
