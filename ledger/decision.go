package ledger

// Decision is the outcome of a representative approval.
type Decision struct {
	Approved bool
	Approver string
	Reason   error
}

func Signed(approver string) Decision {
	return Decision{Approved: true, Approver: approver}
}

func Rejected(reason error) Decision {
	return Decision{Reason: reason}
}
