package rfmesh

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts node activity. A nil *Metrics is valid and counts nothing.
type Metrics struct {
	Sweeps           prometheus.Counter
	ProbesSent       prometheus.Counter
	CustomSent       prometheus.Counter
	Relayed          prometheus.Counter
	Measurements     prometheus.Counter
	Malformed        prometheus.Counter
	Dropped          prometheus.Counter
	DeliveryRetries  prometheus.Counter
	DeliveryFailures prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg, unless reg is
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfmesh",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		Sweeps:           counter("sweeps_total", "Transmission slots used by this node."),
		ProbesSent:       counter("probes_sent_total", "RSSI probes sent to peers."),
		CustomSent:       counter("custom_packets_sent_total", "Custom packets sent from the queue."),
		Relayed:          counter("rssi_relayed_total", "Measurements relayed to the ground node."),
		Measurements:     counter("measurements_total", "Measurements stored by the ground node."),
		Malformed:        counter("malformed_frames_total", "Received frames that failed to decode."),
		Dropped:          counter("dropped_frames_total", "Received frames dropped because the receive queue was full."),
		DeliveryRetries:  counter("delivery_retries_total", "Reliable delivery resends."),
		DeliveryFailures: counter("delivery_failures_total", "Reliable deliveries that ran out of attempts."),
	}

	if reg != nil {
		reg.MustRegister(m.Sweeps, m.ProbesSent, m.CustomSent, m.Relayed, m.Measurements,
			m.Malformed, m.Dropped, m.DeliveryRetries, m.DeliveryFailures)
	}
	return m
}

func (m *Metrics) add(pick func(*Metrics) prometheus.Counter, n int) {
	if m == nil || n <= 0 {
		return
	}
	pick(m).Add(float64(n))
}

func (m *Metrics) inc(pick func(*Metrics) prometheus.Counter) {
	m.add(pick, 1)
}

func mSweeps(m *Metrics) prometheus.Counter           { return m.Sweeps }
func mProbesSent(m *Metrics) prometheus.Counter       { return m.ProbesSent }
func mCustomSent(m *Metrics) prometheus.Counter       { return m.CustomSent }
func mRelayed(m *Metrics) prometheus.Counter          { return m.Relayed }
func mMeasurements(m *Metrics) prometheus.Counter     { return m.Measurements }
func mMalformed(m *Metrics) prometheus.Counter        { return m.Malformed }
func mDropped(m *Metrics) prometheus.Counter          { return m.Dropped }
func mDeliveryRetries(m *Metrics) prometheus.Counter  { return m.DeliveryRetries }
func mDeliveryFailures(m *Metrics) prometheus.Counter { return m.DeliveryFailures }
