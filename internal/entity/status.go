package entity

// Status is the lifecycle position of an order.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusDraft:          0,
	StatusPendingPayment: 1,
	StatusConfirmed:      2,
	StatusPreparing:      3,
	StatusShipped:        4,
	StatusDelivered:      5,
}

// StatusTransitionChart lists the statuses reachable from each status.
type StatusTransitionChart map[Status][]Status

// Allowed reports whether from -> to is a legal lifecycle step.
func (c StatusTransitionChart) Allowed(from, to Status) bool {
	for _, next := range c[from] {
		if next == to {
			return true
		}
	}
	return false
}

var transitions = StatusTransitionChart{
	StatusDraft:          {StatusPendingPayment, StatusCancelled},
	StatusPendingPayment: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusShipped, StatusCancelled},
	StatusShipped:        {StatusDelivered},
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
// Draft never reaches confirmed in a single step.
func CanTransition(from, to Status) bool {
	return transitions.Allowed(from, to)
}

func (s Status) String() string { return string(s) }

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Rank returns the lifecycle position; cancelled has no rank and returns -1.
func (s Status) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// Reached reports whether s is target or a later lifecycle status. Cancelled reaches nothing.
func (s Status) Reached(target Status) bool {
	if s == StatusCancelled || !s.IsValid() {
		return false
	}
	return s.Rank() >= target.Rank()
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Cancellable reports whether an explicit cancellation may still be applied.
func (s Status) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}

// AwaitingPayment reports whether the order has not been confirmed yet.
func (s Status) AwaitingPayment() bool {
	return s == StatusDraft || s == StatusPendingPayment
}
