package etl

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/clickstream-etl/internal/config"
	"github.com/sells-group/clickstream-etl/internal/model"
	"github.com/sells-group/clickstream-etl/internal/quality"
)

// Cluster labels derived from center geometry.
const (
	LabelDormant   = "dormant"
	LabelHighValue = "high_value"
	LabelLoyal     = "loyal"
	LabelPromising = "promising"
	LabelRegular   = "regular"
)

// FeatureEngineer computes per-user RFM features, clusters them, and derives
// segment labels from the winning cluster centers.
type FeatureEngineer struct {
	cfg *config.Config
	dq  *quality.Report
	log *zap.Logger
}

// NewFeatureEngineer creates a FeatureEngineer reporting into dq.
func NewFeatureEngineer(cfg *config.Config, dq *quality.Report) *FeatureEngineer {
	return &FeatureEngineer{cfg: cfg, dq: dq, log: zap.L().Named("features")}
}

// Run executes the full segmentation: features, standardization, k
// selection, labeling. Returns one Segment per purchasing user.
func (e *FeatureEngineer) Run(facts []model.Fact, windowEnd time.Time) ([]model.Segment, error) {
	features := e.ComputeFeatures(facts, windowEnd)
	if len(features) == 0 {
		e.dq.AddWarning("no purchasing users in window; segmentation skipped")
		return nil, nil
	}

	standardize(features)
	return e.SelectKAndCluster(features)
}

// ComputeFeatures aggregates recency, frequency, and monetary per purchasing
// user. Recency is measured in days back from the window end; frequency is
// the count of distinct purchase events; monetary the summed spend. Output
// is sorted by user ID so the downstream fit is order-stable.
func (e *FeatureEngineer) ComputeFeatures(facts []model.Fact, windowEnd time.Time) []model.UserFeature {
	type agg struct {
		lastBuy  time.Time
		orders   map[string]struct{}
		monetary float64
	}
	byUser := make(map[int64]*agg)

	for _, f := range facts {
		if f.Behavior != model.BehaviorBuy {
			continue
		}
		a, ok := byUser[f.UserID]
		if !ok {
			a = &agg{orders: make(map[string]struct{})}
			byUser[f.UserID] = a
		}
		if f.Date.After(a.lastBuy) {
			a.lastBuy = f.Date
		}
		a.orders[f.OrderID()] = struct{}{}
		a.monetary += f.Price
	}

	features := make([]model.UserFeature, 0, len(byUser))
	for userID, a := range byUser {
		features = append(features, model.UserFeature{
			UserID:    userID,
			Recency:   windowEnd.Sub(a.lastBuy).Hours() / 24,
			Frequency: float64(len(a.orders)),
			Monetary:  a.monetary,
		})
	}
	sort.Slice(features, func(i, j int) bool { return features[i].UserID < features[j].UserID })

	e.dq.AddMetric("purchasing_users", len(features))
	return features
}

// standardize z-scores each RFM component in place. Clustering on raw
// scales would let monetary dominate the variance, so the fit always runs
// on standardized components. A zero-variance component maps to zero.
func standardize(features []model.UserFeature) {
	rs := make([]float64, len(features))
	fs := make([]float64, len(features))
	ms := make([]float64, len(features))
	for i, f := range features {
		rs[i] = f.Recency
		fs[i] = f.Frequency
		ms[i] = f.Monetary
	}

	rMean, rStd := stat.MeanStdDev(rs, nil)
	fMean, fStd := stat.MeanStdDev(fs, nil)
	mMean, mStd := stat.MeanStdDev(ms, nil)

	for i := range features {
		features[i].ScaledR = zscore(features[i].Recency, rMean, rStd)
		features[i].ScaledF = zscore(features[i].Frequency, fMean, fStd)
		features[i].ScaledM = zscore(features[i].Monetary, mMean, mStd)
	}
}

func zscore(v, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (v - mean) / std
}

// SelectKAndCluster fits k in 3..5, scores each partition, keeps the best,
// labels its centers, and records the cluster profiles for audit.
func (e *FeatureEngineer) SelectKAndCluster(features []model.UserFeature) ([]model.Segment, error) {
	points := make([][3]float64, len(features))
	for i, f := range features {
		points[i] = f.Scaled()
	}

	bestK, bestScore := 4, -1.0
	var best partition
	for k := 3; k <= 5; k++ {
		p := runKMeans(points, k)
		score := silhouetteScore(points, p)
		e.log.Debug("candidate partition",
			zap.Int("k", k),
			zap.Float64("silhouette", score),
			zap.Int("effective_clusters", p.Effective),
		)
		if score > bestScore {
			bestK, bestScore, best = k, score, p
		}
	}
	if best.Assignment == nil {
		// Every candidate was degenerate; keep the last fit so the run can
		// still emit a partition.
		best = runKMeans(points, bestK)
	}

	if best.Effective < best.K {
		e.dq.AddWarning(fmt.Sprintf(
			"clustering collapsed to %d effective clusters (requested %d)",
			best.Effective, best.K,
		))
	}

	e.dq.AddMetric("kmeans_best_k", bestK)
	e.dq.AddMetric("kmeans_silhouette", round4(bestScore))
	e.log.Info("cluster selection complete",
		zap.Int("k", bestK),
		zap.Float64("silhouette", bestScore),
	)

	labels := e.LabelClusters(best.Centers)
	e.collectProfiles(features, best, labels)

	segments := make([]model.Segment, len(features))
	for i, f := range features {
		cluster := best.Assignment[i]
		segments[i] = model.Segment{
			UserID:    f.UserID,
			ClusterID: cluster,
			Label:     labels[cluster],
		}
	}
	return segments, nil
}

// LabelClusters maps each cluster to a business label. The mapping is a
// pure function of the standardized center geometry and the configured
// thresholds, so identical centers always produce identical labels; centers
// shift run to run, which is why the mapping is recomputed every run and
// never cached. Priority: dormancy, then high value, then loyalty, then
// potential.
func (e *FeatureEngineer) LabelClusters(centers [][3]float64) map[int]string {
	th := e.cfg.RFM.Thresholds
	w := e.cfg.RFM.Weights

	labels := make(map[int]string, len(centers))
	for i, c := range centers {
		r, f, m := c[0], c[1], c[2]
		label := classifyCenter(r, f, m, th["high_r"], th["high_f"], th["high_m"])
		labels[i] = label

		weighted := w["r"]*r + w["f"]*f + w["m"]*m
		e.log.Info("cluster center labeled",
			zap.Int("cluster_id", i),
			zap.Float64("r", round4(r)),
			zap.Float64("f", round4(f)),
			zap.Float64("m", round4(m)),
			zap.Float64("weighted_score", round4(weighted)),
			zap.String("label", label),
		)
	}
	return labels
}

func classifyCenter(r, f, m, highR, highF, highM float64) string {
	switch {
	case r > highR:
		// Long since last purchase: dormant regardless of past value.
		return LabelDormant
	case m > highM && r < 0:
		return LabelHighValue
	case f > highF && m <= highM:
		return LabelLoyal
	case r <= 0 && (f > 0 || m > 0):
		return LabelPromising
	default:
		return LabelRegular
	}
}

// collectProfiles records each cluster's raw RFM means and size.
func (e *FeatureEngineer) collectProfiles(features []model.UserFeature, p partition, labels map[int]string) {
	type sums struct {
		r, f, m float64
		n       int
	}
	perCluster := make([]sums, p.K)
	for i, f := range features {
		c := p.Assignment[i]
		perCluster[c].r += f.Recency
		perCluster[c].f += f.Frequency
		perCluster[c].m += f.Monetary
		perCluster[c].n++
	}

	for c, s := range perCluster {
		if s.n == 0 {
			continue
		}
		n := float64(s.n)
		e.dq.AddClusterProfile(quality.ClusterProfile{
			ClusterID: c,
			Label:     labels[c],
			RMean:     round2(s.r / n),
			FMean:     round2(s.f / n),
			MMean:     round2(s.m / n),
			UserCount: s.n,
		})
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
