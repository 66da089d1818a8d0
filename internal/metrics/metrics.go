package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "ruleevents"

// tickerStates lists every label value of the ticker state gauge.
var tickerStates = []string{"disabled", "acquiring_lease", "retrying", "leading", "stopped"}

// Collector exports registry, bridge, ticker and hub metrics to Prometheus.
// It satisfies the Observer interfaces declared by those packages.
type Collector struct {
	connectedClients prometheus.Gauge
	delivered        *prometheus.CounterVec
	pushFailures     prometheus.Counter
	bridgeReceived   *prometheus.CounterVec
	bridgePublished  *prometheus.CounterVec
	tickerState      *prometheus.GaugeVec
	tickerBoundaries prometheus.Counter
	emitted          *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg
// (prometheus.DefaultRegisterer when nil). Already registered collectors are reused.
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Watching clients currently registered in this process.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames successfully pushed to watching clients.",
		}, []string{"kind"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Pushes that failed and caused a client to be deregistered.",
		}),
		bridgeReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_received_total",
			Help:      "Messages received from the cross-process channel by outcome.",
		}, []string{"outcome"}),
		bridgePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_published_total",
			Help:      "Envelopes published to the cross-process channel by type and result.",
		}, []string{"type", "result"}),
		tickerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ticker_state",
			Help:      "Current schedule ticker state (1 for the active state).",
		}, []string{"state"}),
		tickerBoundaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticker_boundary_classrooms_total",
			Help:      "Classrooms found crossing a schedule boundary by the leader.",
		}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_total",
			Help:      "Change emissions requested by the mutation layer.",
		}, []string{"kind"}),
	}

	var err error
	if c.connectedClients, err = register(reg, c.connectedClients); err != nil {
		return nil, err
	}
	if c.delivered, err = register(reg, c.delivered); err != nil {
		return nil, err
	}
	if c.pushFailures, err = register(reg, c.pushFailures); err != nil {
		return nil, err
	}
	if c.bridgeReceived, err = register(reg, c.bridgeReceived); err != nil {
		return nil, err
	}
	if c.bridgePublished, err = register(reg, c.bridgePublished); err != nil {
		return nil, err
	}
	if c.tickerState, err = register(reg, c.tickerState); err != nil {
		return nil, err
	}
	if c.tickerBoundaries, err = register(reg, c.tickerBoundaries); err != nil {
		return nil, err
	}
	if c.emitted, err = register(reg, c.emitted); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}

// ClientsChanged records the current number of registered clients.
func (c *Collector) ClientsChanged(count int) {
	c.connectedClients.Set(float64(count))
}

// Delivered counts successful pushes of a given kind.
func (c *Collector) Delivered(kind string, n int) {
	if n > 0 {
		c.delivered.WithLabelValues(kind).Add(float64(n))
	}
}

// PushFailed counts a failed push.
func (c *Collector) PushFailed() {
	c.pushFailures.Inc()
}

// BridgeReceived counts an inbound channel message by outcome.
func (c *Collector) BridgeReceived(outcome string) {
	c.bridgeReceived.WithLabelValues(outcome).Inc()
}

// BridgePublished counts an outbound envelope.
func (c *Collector) BridgePublished(envelopeType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.bridgePublished.WithLabelValues(envelopeType, result).Inc()
}

// TickerStateChanged flips the state gauge to state.
func (c *Collector) TickerStateChanged(state string) {
	for _, s := range tickerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.tickerState.WithLabelValues(s).Set(value)
	}
}

// TickerBoundaries counts classrooms returned by one tick.
func (c *Collector) TickerBoundaries(n int) {
	if n > 0 {
		c.tickerBoundaries.Add(float64(n))
	}
}

// Emitted counts an emission request.
func (c *Collector) Emitted(kind string) {
	c.emitted.WithLabelValues(kind).Inc()
}
