package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outboxDeliveredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openclaw_outbox_delivered_total",
	Help: "counter of outbox rows delivered by the outbox worker",
})

var outboxFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "openclaw_outbox_failed_total",
	Help: "counter of failed outbox delivery attempts, by error class",
}, []string{"class"})

var outboxDeferredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openclaw_outbox_deferred_total",
	Help: "counter of outbox rows deferred to a later pass (backoff or pass budget)",
})

var outboxExpiredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openclaw_outbox_expired_total",
	Help: "counter of outbox rows expired by the TTL sweep",
})

var outboxPrunedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openclaw_outbox_pruned_total",
	Help: "counter of terminal outbox rows pruned",
})

var turnsRecoveredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "openclaw_turns_recovered_total",
	Help: "counter of turn recovery dispatches, by outcome",
}, []string{"outcome"})

var turnsStaleCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openclaw_turns_stale_total",
	Help: "counter of non-terminal turns failed by the stale sweep",
})

var turnsPrunedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "openclaw_turns_pruned_total",
	Help: "counter of terminal turn rows pruned",
})
