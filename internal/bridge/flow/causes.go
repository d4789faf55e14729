package flow

// Hangup causes the engine issues or reports.
const (
	CauseNormalClearing   = "NORMAL_CLEARING"
	CauseUserBusy         = "USER_BUSY"
	CauseCallRejected     = "CALL_REJECTED"
	CauseAllottedTimeout  = "ALLOTTED_TIMEOUT"
	CauseTemporaryFailure = "NORMAL_TEMPORARY_FAILURE"
)

// CauseForReason maps a <Hangup reason> to a hangup cause.
func CauseForReason(reason string) string {
	switch reason {
	case "busy":
		return CauseUserBusy
	case "rejected":
		return CauseCallRejected
	default:
		return CauseNormalClearing
	}
}
