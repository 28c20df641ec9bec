package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"isolend/protocol/events"
)

// Recorder bridges protocol events into Prometheus counters. It satisfies the
// events.Emitter interface so it can be fanned in next to other sinks.
type Recorder struct {
	operations     *prometheus.CounterVec
	accruals       *prometheus.CounterVec
	auctionFills   *prometheus.CounterVec
	oracleFailures *prometheus.CounterVec
}

// NewRecorder registers the protocol metric families with the given
// registerer; nil uses the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isolend_operations_total",
			Help: "Protocol operations by market and kind.",
		}, []string{"market", "op"}),
		accruals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isolend_interest_accruals_total",
			Help: "Accrual passes that advanced the borrow index.",
		}, []string{"market"}),
		auctionFills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isolend_auction_events_total",
			Help: "Auction lifecycle events by market and kind.",
		}, []string{"market", "kind"}),
		oracleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isolend_oracle_failures_total",
			Help: "Price resolution failures by reason.",
		}, []string{"reason"}),
	}
}

// Emit implements the events.Emitter interface.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || evt == nil {
		return
	}
	attrs := evt.Attributes()
	market := attrs["market"]
	switch evt.EventType() {
	case events.TypeInterestAccrued:
		r.accruals.WithLabelValues(market).Inc()
	case events.TypeAuctionStarted:
		r.auctionFills.WithLabelValues(market, "started").Inc()
	case events.TypeAuctionFilled:
		r.auctionFills.WithLabelValues(market, "filled").Inc()
	case events.TypeAuctionCancelled:
		r.auctionFills.WithLabelValues(market, "cancelled").Inc()
	default:
		op := strings.TrimPrefix(evt.EventType(), "lending.")
		r.operations.WithLabelValues(market, op).Inc()
	}
}

// RecordOracleFailure counts a price resolution failure by reason label.
func (r *Recorder) RecordOracleFailure(reason string) {
	if r == nil {
		return
	}
	r.oracleFailures.WithLabelValues(reason).Inc()
}
