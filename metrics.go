package ftpfs

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects protocol counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	commands  *prometheus.CounterVec
	replies   *prometheus.CounterVec
	connects  prometheus.Counter
	transfers *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpfs",
			Name:      "commands_total",
			Help:      "Control commands sent, by verb.",
		}, []string{"verb"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpfs",
			Name:      "replies_total",
			Help:      "Control replies received, by status class.",
		}, []string{"class"}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpfs",
			Name:      "connects_total",
			Help:      "Control connections established.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpfs",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over data connections, by direction.",
		}, []string{"direction"}),
	}
	for _, c := range []prometheus.Collector{m.commands, m.replies, m.connects, m.transfers} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register ftpfs metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeCommand(cmd string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb(cmd)).Inc()
}

func (m *Metrics) observeReply(code int) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(strconv.Itoa(code/100) + "xx").Inc()
}

func (m *Metrics) observeConnect() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) observeTransfer(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transfers.WithLabelValues(direction).Add(float64(n))
}
