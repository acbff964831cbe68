package ledger

import "github.com/Priya8975/hoa-notifier/internal/domain"

// rank orders statuses along the delivery lifecycle. A record only moves
// to a higher rank. Statuses without a rank never overwrite, and a record
// handed back to the queue for retry is final.
var rank = map[domain.Status]int{
	domain.StatusRetry:        0,
	domain.StatusSent:         1,
	domain.StatusDeferred:     1,
	domain.StatusDelivered:    2,
	domain.StatusBounced:      2,
	domain.StatusFailed:       2,
	domain.StatusOpened:       3,
	domain.StatusClicked:      4,
	domain.StatusUnsubscribed: 5,
	domain.StatusSpam:         5,
}

func advances(current, next domain.Status) bool {
	if current == domain.StatusRetry {
		return false
	}
	if next == domain.StatusRetry || next == domain.StatusUnknown {
		return false
	}
	n, ok := rank[next]
	if !ok {
		return false
	}
	return n > rank[current]
}

func impliesDelivery(s domain.Status) bool {
	switch s {
	case domain.StatusDelivered, domain.StatusOpened, domain.StatusClicked,
		domain.StatusUnsubscribed, domain.StatusSpam:
		return true
	}
	return false
}

func impliesOpen(s domain.Status) bool {
	return s == domain.StatusOpened || s == domain.StatusClicked
}
