package model

import "fmt"

// Lifecycle errors surfaced to callers as user-facing conflicts, never crashes
var (
	ErrIllegalTransition = fmt.Errorf("illegal report transition")
	ErrReasonRequired    = fmt.Errorf("a reason is required for this decision")
)

// CanSubmit reports whether a report in the given status may be (re)submitted.
// Submitting an already submitted, pending or terminal report is rejected —
// this guards against the double-submit class of bug.
func CanSubmit(status string) bool {
	return status == ReportStatusDraft || status == ReportStatusNeedsRevision
}

// StatusHop is one audited status movement
type StatusHop struct {
	Action string
	From   string
	To     string
}

// SubmitHops returns the status movements one submit performs, in order: the
// report enters SUBMITTED and is routed straight on to supervisor review.
// Both hops happen in a single transaction and each gets its own audit entry.
func SubmitHops(from string) ([]StatusHop, error) {
	if !CanSubmit(from) {
		return nil, fmt.Errorf("%w: cannot submit a report in status %s", ErrIllegalTransition, from)
	}
	return []StatusHop{
		{Action: ActionSubmitReport, From: from, To: ReportStatusSubmitted},
		{Action: ActionRouteReport, From: ReportStatusSubmitted, To: ReportStatusPendingSupervisor},
	}, nil
}

// PendingStatusForStage maps an approval stage to the report status in which
// that stage's decision is legal.
func PendingStatusForStage(stage string) (string, error) {
	switch stage {
	case StageSupervisorReview:
		return ReportStatusPendingSupervisor, nil
	case StageFinanceReview:
		return ReportStatusPendingFinance, nil
	default:
		return "", fmt.Errorf("unknown approval stage: %s", stage)
	}
}

// DecisionOutcome resolves the status a report moves to when the given
// decision lands on the given stage, plus whether a comment is mandatory.
// The stage must currently be pending; callers enforce that separately.
func DecisionOutcome(stage, decision string) (toStatus string, reasonRequired bool, err error) {
	if _, err := PendingStatusForStage(stage); err != nil {
		return "", false, err
	}

	switch decision {
	case DecisionApproved:
		if stage == StageSupervisorReview {
			return ReportStatusPendingFinance, false, nil
		}
		return ReportStatusApproved, false, nil
	case DecisionRejected:
		return ReportStatusRejected, true, nil
	case DecisionRevisionRequested:
		return ReportStatusNeedsRevision, true, nil
	default:
		return "", false, fmt.Errorf("unknown decision: %s", decision)
	}
}

// AuditActionForDecision maps a decision to its audit log action constant
func AuditActionForDecision(decision string) string {
	switch decision {
	case DecisionApproved:
		return ActionApproveReport
	case DecisionRejected:
		return ActionRejectReport
	case DecisionRevisionRequested:
		return ActionRequestRevision
	default:
		return decision
	}
}

// TerminalStatus reports whether no further transitions are legal
func TerminalStatus(status string) bool {
	return status == ReportStatusApproved || status == ReportStatusRejected
}
