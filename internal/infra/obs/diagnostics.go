package obs

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"estatepro/internal/app/policies"
)

// Diagnostics logs recovered chat errors and counts them.
type Diagnostics struct {
	logger   *slog.Logger
	problems *prometheus.CounterVec
	polls    *prometheus.CounterVec
}

// NewDiagnostics registers its collectors on reg. A nil reg skips
// registration.
func NewDiagnostics(logger *slog.Logger, reg prometheus.Registerer) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Diagnostics{
		logger: logger,
		problems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "estatepro",
			Subsystem: "chat",
			Name:      "diagnostics_total",
			Help:      "Errors recovered by the chat sync engine.",
		}, []string{"source", "reason"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "estatepro",
			Subsystem: "chat",
			Name:      "poll_total",
			Help:      "Poll ticks by view and outcome.",
		}, []string{"view", "result"}),
	}
	if reg != nil {
		reg.MustRegister(d.problems, d.polls)
	}
	return d
}

func (d *Diagnostics) Report(diag policies.Diagnostic) {
	d.problems.WithLabelValues(diag.Source, diag.Reason).Inc()
	d.logger.Warn("chat diagnostic",
		"source", diag.Source,
		"reason", diag.Reason,
		"entity_id", diag.EntityID,
		"error", diag.Err,
	)
}

func (d *Diagnostics) ObservePoll(view, result string) {
	d.polls.WithLabelValues(view, result).Inc()
}

var _ policies.Diagnostics = (*Diagnostics)(nil)
