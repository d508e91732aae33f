package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "carry_vault_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	depositsMatched  prometheus.Counter
	depositsIgnored  prometheus.Counter
	runsOpened       prometheus.Counter
	openFailed       prometheus.Counter
	closesCompleted  prometheus.Counter
	closeFailed      prometheus.Counter
	payoutsSent      prometheus.Counter
	payoutFailed     prometheus.Counter
	feedPollFailures prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	depositsMatched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "deposits_matched_total",
		Help:      "Total number of deposits matched to the tracked depositor.",
	})
	depositsIgnored := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "deposits_ignored_total",
		Help:      "Total number of new deposits from unrelated senders.",
	})
	runsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "runs_opened_total",
		Help:      "Total number of carry positions opened.",
	})
	openFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "open_failed_total",
		Help:      "Total number of open sequence failures.",
	})
	closesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "closes_completed_total",
		Help:      "Total number of carry positions unwound.",
	})
	closeFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "close_failed_total",
		Help:      "Total number of close sequence failures.",
	})
	payoutsSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "payouts_sent_total",
		Help:      "Total number of settlement payouts sent to the depositor.",
	})
	payoutFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "payout_failed_total",
		Help:      "Total number of settlement payout failures.",
	})
	feedPollFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "feed_poll_failures_total",
		Help:      "Total number of deposit feed poll failures.",
	})

	registry.MustRegister(depositsMatched, depositsIgnored, runsOpened, openFailed,
		closesCompleted, closeFailed, payoutsSent, payoutFailed, feedPollFailures)

	m := &Metrics{
		DepositsMatched:  promCounter{depositsMatched},
		DepositsIgnored:  promCounter{depositsIgnored},
		RunsOpened:       promCounter{runsOpened},
		OpenFailed:       promCounter{openFailed},
		ClosesCompleted:  promCounter{closesCompleted},
		CloseFailed:      promCounter{closeFailed},
		PayoutsSent:      promCounter{payoutsSent},
		PayoutFailed:     promCounter{payoutFailed},
		FeedPollFailures: promCounter{feedPollFailures},
	}

	return &Prometheus{
		Metrics:          m,
		registry:         registry,
		depositsMatched:  depositsMatched,
		depositsIgnored:  depositsIgnored,
		runsOpened:       runsOpened,
		openFailed:       openFailed,
		closesCompleted:  closesCompleted,
		closeFailed:      closeFailed,
		payoutsSent:      payoutsSent,
		payoutFailed:     payoutFailed,
		feedPollFailures: feedPollFailures,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
