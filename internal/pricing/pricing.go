package pricing

import (
	"photomesh/internal/config"
	"photomesh/internal/models"
)

// Model computes credit prices from quality tier and requested formats.
// The estimate reserved at submission and the cost charged at completion
// use the same function, so a successful job's charge always matches its
// reservation.
type Model struct {
	fastJob        float64
	highJob        float64
	usdzMultiplier float64
	featureUSDZ    bool
}

func NewModel(cfg config.Config) *Model {
	return &Model{
		fastJob:        cfg.CreditsFastJob,
		highJob:        cfg.CreditsHighJob,
		usdzMultiplier: cfg.USDZMultiplier,
		featureUSDZ:    cfg.FeatureUSDZ,
	}
}

// JobCredits prices one job.
func (m *Model) JobCredits(quality string, targetFormats []string) float64 {
	credits := m.fastJob
	if quality == models.QualityHigh {
		credits = m.highJob
	}
	if m.featureUSDZ && contains(targetFormats, "usdz") {
		credits *= m.usdzMultiplier
	}
	return credits
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
