package rxw

// SlotState is the per-slot NAK state machine position, spec.md §4.3.
type SlotState int

const (
	// StateBackoff is the initial state of a placeholder: waiting out
	// NAK_BO_IVL before issuing the first NAK.
	StateBackoff SlotState = iota
	// StateWaitNCF is after a NAK was sent, awaiting the source's NCF.
	StateWaitNCF
	// StateWaitData is after an NCF was seen, awaiting the repaired data.
	StateWaitData
	// StateHaveData is a slot holding original or repaired payload, not
	// yet delivered to the application.
	StateHaveData
	// StateHaveParity is a slot reconstructed from FEC parity, pending
	// the same delivery path as StateHaveData.
	StateHaveParity
	// StateCommitData is a slot already delivered via readv, retained
	// until trail advances past it.
	StateCommitData
	// StateLostData is terminal: retries exhausted or trail slid past an
	// unrecovered sequence.
	StateLostData
)

func (s SlotState) String() string {
	switch s {
	case StateBackoff:
		return "back-off"
	case StateWaitNCF:
		return "wait-ncf"
	case StateWaitData:
		return "wait-data"
	case StateHaveData:
		return "have-data"
	case StateHaveParity:
		return "have-parity"
	case StateCommitData:
		return "commit-data"
	case StateLostData:
		return "lost-data"
	default:
		return "unknown"
	}
}

// Result is the outcome of an Add call.
type Result int

const (
	ResultInserted Result = iota
	ResultAppended
	ResultMissing
	ResultDuplicate
	ResultMalformed
	ResultBounds
)

// isDataBearing reports whether a slot already holds (or has already
// delivered) a payload, as opposed to being a placeholder awaiting repair.
func isDataBearing(s SlotState) bool {
	switch s {
	case StateHaveData, StateHaveParity, StateCommitData:
		return true
	default:
		return false
	}
}

func (r Result) String() string {
	switch r {
	case ResultInserted:
		return "inserted"
	case ResultAppended:
		return "appended"
	case ResultMissing:
		return "missing"
	case ResultDuplicate:
		return "duplicate"
	case ResultMalformed:
		return "malformed"
	case ResultBounds:
		return "bounds"
	default:
		return "unknown"
	}
}
