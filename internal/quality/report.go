// Package quality implements the run-scoped data quality report: an
// append-only collector threaded through every pipeline stage and flushed
// once at the end of the run.
package quality

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ClusterProfile summarizes one cluster of the user segmentation for
// auditability: its label, the raw RFM means of its members, and its size.
type ClusterProfile struct {
	ClusterID int     `json:"cluster_id"`
	Label     string  `json:"label"`
	RMean     float64 `json:"r_mean"`
	FMean     float64 `json:"f_mean"`
	MMean     float64 `json:"m_mean"`
	UserCount int     `json:"user_count"`
}

// Report accumulates metrics, warnings, and cluster profiles across the
// stages of one pipeline run. All mutation is append-only and safe under
// concurrent writers.
type Report struct {
	mu sync.Mutex

	order    []string
	metrics  map[string]any
	warnings []string
	profiles []ClusterProfile
	started  time.Time
}

// NewReport creates an empty report anchored at the current time.
func NewReport() *Report {
	return &Report{
		metrics: make(map[string]any),
		started: time.Now().UTC(),
	}
}

// AddMetric records a named metric. Re-adding a name overwrites the value
// but keeps its original position in the summary.
func (r *Report) AddMetric(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; !ok {
		r.order = append(r.order, name)
	}
	r.metrics[name] = value
}

// AddWarning appends a quality warning.
func (r *Report) AddWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// AddClusterProfile appends one cluster's summary.
func (r *Report) AddClusterProfile(p ClusterProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = append(r.profiles, p)
}

// Warnings returns a copy of the accumulated warnings.
func (r *Report) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// Snapshot is the serialized form of the report written to the audit table.
type Snapshot struct {
	RunTime         time.Time
	ElapsedSeconds  float64
	MetricsJSON     string
	WarningsJSON    string
	ProfilesJSON    string
	WarningCount    int
	MetricCount     int
	ClusterProfiles []ClusterProfile
}

// Snapshot serializes the report sections for the audit row. It can be
// called at any time but the writer calls it exactly once per run.
func (r *Report) Snapshot() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make(map[string]any, len(r.metrics))
	for _, name := range r.order {
		ordered[name] = r.metrics[name]
	}

	metricsJSON, err := json.Marshal(ordered)
	if err != nil {
		return Snapshot{}, err
	}
	warnings := r.warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return Snapshot{}, err
	}
	profiles := r.profiles
	if profiles == nil {
		profiles = []ClusterProfile{}
	}
	profilesJSON, err := json.Marshal(profiles)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now().UTC()
	return Snapshot{
		RunTime:         now,
		ElapsedSeconds:  now.Sub(r.started).Seconds(),
		MetricsJSON:     string(metricsJSON),
		WarningsJSON:    string(warningsJSON),
		ProfilesJSON:    string(profilesJSON),
		WarningCount:    len(r.warnings),
		MetricCount:     len(r.metrics),
		ClusterProfiles: profiles,
	}, nil
}

// LogSummary writes the full report to the run log.
func (r *Report) LogSummary(log *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := message.NewPrinter(language.English)
	elapsed := time.Since(r.started)

	fields := []zap.Field{zap.Duration("elapsed", elapsed)}
	for _, name := range r.order {
		switch v := r.metrics[name].(type) {
		case int:
			fields = append(fields, zap.String(name, p.Sprintf("%d", v)))
		case int64:
			fields = append(fields, zap.String(name, p.Sprintf("%d", v)))
		case float64:
			fields = append(fields, zap.String(name, p.Sprintf("%.2f", v)))
		default:
			fields = append(fields, zap.Any(name, v))
		}
	}
	log.Info("data quality metrics", fields...)

	if len(r.warnings) == 0 {
		log.Info("no data quality warnings")
	} else {
		for i, w := range r.warnings {
			log.Warn("data quality warning", zap.Int("n", i+1), zap.String("warning", w))
		}
	}

	for _, cp := range r.profiles {
		log.Info("cluster profile",
			zap.Int("cluster_id", cp.ClusterID),
			zap.String("label", cp.Label),
			zap.Float64("r_mean", cp.RMean),
			zap.Float64("f_mean", cp.FMean),
			zap.Float64("m_mean", cp.MMean),
			zap.String("users", p.Sprintf("%d", cp.UserCount)),
		)
	}
}
