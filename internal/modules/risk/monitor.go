package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/domain"
)

// ReturnSource supplies the portfolio return series the monitor watches,
// typically derived from the most recent stored backtest.
type ReturnSource interface {
	LatestPortfolioReturns() ([]float64, error)
}

// MonitorConfig tunes the scheduled rolling VaR check.
type MonitorConfig struct {
	Window     int
	MinPeriods int
	Confidence float64
	Method     Method
	VaRLimit   float64 // breach threshold on |VaR|, 0 disables breach alerts
}

// Monitor is a scheduler job that recomputes rolling VaR over the latest
// portfolio return series and logs limit breaches.
type Monitor struct {
	cfg    MonitorConfig
	source ReturnSource
	log    zerolog.Logger
}

// NewMonitor creates a rolling VaR monitor job.
func NewMonitor(cfg MonitorConfig, source ReturnSource, log zerolog.Logger) *Monitor {
	if cfg.Window == 0 {
		cfg.Window = 60
	}
	if cfg.MinPeriods == 0 {
		cfg.MinPeriods = DefaultRollingMinPeriods
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.95
	}
	if cfg.Method == "" {
		cfg.Method = Historical
	}
	return &Monitor{
		cfg:    cfg,
		source: source,
		log:    log.With().Str("component", "var_monitor").Logger(),
	}
}

// Name implements scheduler.Job.
func (m *Monitor) Name() string { return "rolling-var-monitor" }

// Run recomputes the rolling VaR series and logs the latest defined point.
func (m *Monitor) Run() error {
	series, err := m.source.LatestPortfolioReturns()
	if err != nil {
		return fmt.Errorf("fetching portfolio returns: %w", err)
	}

	points, err := RollingVaR(series, m.cfg.Window, m.cfg.MinPeriods, m.cfg.Confidence, m.cfg.Method)
	if err != nil {
		var insufficient *domain.InsufficientDataError
		if errors.As(err, &insufficient) {
			m.log.Debug().Int("observations", insufficient.Available).Msg("Not enough history for rolling VaR yet")
			return nil
		}
		return err
	}

	latest := latestDefined(points)
	if latest == nil {
		m.log.Debug().Msg("Rolling VaR warm-up not complete")
		return nil
	}

	event := m.log.Info()
	if m.cfg.VaRLimit > 0 && math.Abs(latest.VaR) > m.cfg.VaRLimit {
		event = m.log.Warn().Bool("breach", true).Float64("limit", m.cfg.VaRLimit)
	}
	event.
		Float64("var", latest.VaR).
		Float64("cvar", latest.CVaR).
		Float64("confidence", m.cfg.Confidence).
		Int("window", m.cfg.Window).
		Msg("Rolling VaR")

	return nil
}

func latestDefined(points []RollingPoint) *RollingPoint {
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Defined {
			return &points[i]
		}
	}
	return nil
}
