package monitor

import (
	"fmt"
	"math"
	"sort"

	"github.com/victoralfred/execution-engine/internal/core/domain"
)

// HourBucket aggregates adverse slippage for one UTC hour of day
type HourBucket struct {
	Hour           int     `json:"hour"`
	Count          int     `json:"count"`
	MeanAdverseBps float64 `json:"mean_adverse_bps"`
}

// Analysis summarises the retained history of one symbol. Bps figures are
// adverse: positive means the fill cost more than expected.
type Analysis struct {
	Symbol          string       `json:"symbol"`
	Count           int          `json:"count"`
	MeanBps         float64      `json:"mean_bps"`
	MaxBps          float64      `json:"max_bps"`
	StdDevBps       float64      `json:"stddev_bps"`
	RollingMeanBps  float64      `json:"rolling_mean_bps"`
	Hourly          []HourBucket `json:"hourly"`
	BestHour        int          `json:"best_hour"`
	WorstHour       int          `json:"worst_hour"`
	TargetBps       float64      `json:"target_bps"`
	Recommendations []string     `json:"recommendations"`
}

// SymbolStatistics is the per-symbol part of Statistics
type SymbolStatistics struct {
	Count   int     `json:"count"`
	MeanBps float64 `json:"mean_bps"`
	MaxBps  float64 `json:"max_bps"`
}

// Statistics aggregates every retained record
type Statistics struct {
	TotalExecutions uint64                      `json:"total_executions"`
	Retained        int                         `json:"retained"`
	MeanBps         float64                     `json:"mean_bps"`
	MaxBps          float64                     `json:"max_bps"`
	StdDevBps       float64                     `json:"stddev_bps"`
	Warnings        uint64                      `json:"warnings"`
	Criticals       uint64                      `json:"criticals"`
	TargetBps       float64                     `json:"target_bps"`
	TargetMet       bool                        `json:"target_met"`
	BaselineBps     float64                     `json:"baseline_bps"`
	ImprovementPct  float64                     `json:"improvement_pct"`
	Symbols         map[string]SymbolStatistics `json:"symbols"`
}

// AnalyzeSlippageHistory reports mean, max and spread of adverse slippage,
// hour-of-day buckets with the best and worst hours, and recommendations
// when the rolling mean exceeds the target.
func (m *Monitor) AnalyzeSlippageHistory(symbol string) (*Analysis, error) {
	recs := m.records(symbol)
	if len(recs) == 0 {
		return nil, domain.NewError(domain.CodeInsufficientData, "AnalyzeSlippageHistory", "no executions recorded for %s", symbol)
	}

	values := make([]float64, len(recs))
	var sums [24]float64
	var counts [24]int
	for i, r := range recs {
		values[i] = r.AdverseBps()
		h := r.Timestamp.UTC().Hour()
		sums[h] += values[i]
		counts[h]++
	}
	mean, stddev, peak := describe(values)

	a := &Analysis{
		Symbol:    symbol,
		Count:     len(recs),
		MeanBps:   mean,
		MaxBps:    peak,
		StdDevBps: stddev,
		TargetBps: m.config.TargetBps,
		BestHour:  -1,
		WorstHour: -1,
	}
	window := values
	if len(window) > m.config.RollingWindow {
		window = window[len(window)-m.config.RollingWindow:]
	}
	a.RollingMeanBps, _, _ = describe(window)

	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		b := HourBucket{Hour: h, Count: counts[h], MeanAdverseBps: sums[h] / float64(counts[h])}
		a.Hourly = append(a.Hourly, b)
		if a.BestHour < 0 || b.MeanAdverseBps < sums[a.BestHour]/float64(counts[a.BestHour]) {
			a.BestHour = h
		}
		if a.WorstHour < 0 || b.MeanAdverseBps > sums[a.WorstHour]/float64(counts[a.WorstHour]) {
			a.WorstHour = h
		}
	}
	a.Recommendations = m.recommend(a)
	return a, nil
}

func (m *Monitor) recommend(a *Analysis) []string {
	if a.RollingMeanBps <= m.config.TargetBps {
		return nil
	}
	recs := []string{
		fmt.Sprintf("rolling slippage %.2f bps exceeds target %.2f bps: reduce clip size or slice with TWAP/VWAP",
			a.RollingMeanBps, m.config.TargetBps),
	}
	if a.StdDevBps > m.config.TargetBps {
		recs = append(recs, fmt.Sprintf("slippage dispersion %.2f bps is high: lower urgency and prefer conservative routing", a.StdDevBps))
	}
	if len(a.Hourly) > 1 && a.WorstHour != a.BestHour {
		recs = append(recs, fmt.Sprintf("shift execution from %02d:00 UTC to %02d:00 UTC", a.WorstHour, a.BestHour))
	}
	if a.MaxBps > m.config.CriticalThresholdBps {
		recs = append(recs, "critical fills observed: check venue liquidity before large orders")
	}
	return recs
}

// GetOverallStatistics aggregates the retained history of every symbol and
// compares it with the target and the naive baseline
func (m *Monitor) GetOverallStatistics() Statistics {
	m.mu.RLock()
	symbols := make([]string, 0, len(m.history))
	for s := range m.history {
		symbols = append(symbols, s)
	}
	m.mu.RUnlock()
	sort.Strings(symbols)

	st := Statistics{
		TotalExecutions: m.executions.Load(),
		Warnings:        m.warnings.Load(),
		Criticals:       m.criticals.Load(),
		TargetBps:       m.config.TargetBps,
		BaselineBps:     m.config.BaselineBps,
		Symbols:         make(map[string]SymbolStatistics, len(symbols)),
	}
	var all []float64
	for _, s := range symbols {
		recs := m.records(s)
		values := make([]float64, len(recs))
		for i, r := range recs {
			values[i] = r.AdverseBps()
		}
		mean, _, peak := describe(values)
		st.Symbols[s] = SymbolStatistics{Count: len(values), MeanBps: mean, MaxBps: peak}
		all = append(all, values...)
	}
	st.Retained = len(all)
	st.MeanBps, st.StdDevBps, st.MaxBps = describe(all)
	st.TargetMet = len(all) > 0 && st.MeanBps <= st.TargetBps
	if st.BaselineBps > 0 && len(all) > 0 {
		st.ImprovementPct = (st.BaselineBps - st.MeanBps) / st.BaselineBps * 100
	}
	return st
}

// describe returns mean, population standard deviation and maximum
func describe(values []float64) (mean, stddev, peak float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	peak = math.Inf(-1)
	for _, v := range values {
		mean += v
		peak = math.Max(peak, v)
	}
	mean /= float64(len(values))
	for _, v := range values {
		stddev += (v - mean) * (v - mean)
	}
	stddev = math.Sqrt(stddev / float64(len(values)))
	return mean, stddev, peak
}
