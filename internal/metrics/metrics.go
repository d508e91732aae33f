package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	DepositsMatched  Counter
	DepositsIgnored  Counter
	RunsOpened       Counter
	OpenFailed       Counter
	ClosesCompleted  Counter
	CloseFailed      Counter
	PayoutsSent      Counter
	PayoutFailed     Counter
	FeedPollFailures Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		DepositsMatched:  n,
		DepositsIgnored:  n,
		RunsOpened:       n,
		OpenFailed:       n,
		ClosesCompleted:  n,
		CloseFailed:      n,
		PayoutsSent:      n,
		PayoutFailed:     n,
		FeedPollFailures: n,
	}
}
