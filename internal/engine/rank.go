package engine

import (
	"fmt"
	"math"
	"sort"

	"meridian/internal/domain"
	"meridian/internal/indicator"
)

// Exclusion records why a symbol was left out of the ranking.
type Exclusion struct {
	Symbol string
	Reason domain.SkipReason
	Detail string
}

// Ranker scores symbols by momentum per unit of volatility.
type Ranker struct {
	volPeriod int
}

// NewRanker creates a Ranker measuring volatility over volPeriod closes,
// which is also the minimum history a symbol needs.
func NewRanker(volPeriod int) *Ranker {
	if volPeriod <= 1 {
		volPeriod = 20
	}
	return &Ranker{volPeriod: volPeriod}
}

// Score computes the AssetScore for one series.
func (r *Ranker) Score(s domain.Series) (domain.AssetScore, error) {
	if s.Empty() {
		return domain.AssetScore{}, fmt.Errorf("%s: empty series: %w", s.Symbol, domain.ErrDataUnavailable)
	}
	closes := s.Closes()
	if len(closes) < r.volPeriod {
		return domain.AssetScore{}, fmt.Errorf("%s: %d closes, need %d: %w",
			s.Symbol, len(closes), r.volPeriod, domain.ErrDataUnavailable)
	}
	first, last := closes[0], closes[len(closes)-1]
	if !(first > 0) || math.IsInf(first, 0) {
		return domain.AssetScore{}, fmt.Errorf("%s: first close %v: %w", s.Symbol, first, domain.ErrInvalidPrice)
	}
	vol, ok := indicator.Last(indicator.StdDev(closes, r.volPeriod))
	if !ok || vol <= 0 {
		return domain.AssetScore{}, fmt.Errorf("%s: volatility %v: %w", s.Symbol, vol, domain.ErrInvalidIndicator)
	}
	momentum := last/first - 1
	score := momentum / vol
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.AssetScore{}, fmt.Errorf("%s: score %v: %w", s.Symbol, score, domain.ErrInvalidIndicator)
	}
	return domain.AssetScore{
		Symbol:      s.Symbol,
		MomentumPct: momentum * 100,
		Volatility:  vol,
		Score:       score,
	}, nil
}

// Rank scores every symbol of universe found in series. Scores are sorted
// by descending score, ties broken by ascending symbol. Symbols that cannot
// be scored are returned as exclusions in universe order.
func (r *Ranker) Rank(universe []string, series map[string]domain.Series) ([]domain.AssetScore, []Exclusion) {
	scores := make([]domain.AssetScore, 0, len(universe))
	var excluded []Exclusion
	for _, sym := range universe {
		s, ok := series[sym]
		if !ok {
			excluded = append(excluded, Exclusion{Symbol: sym, Reason: domain.ReasonDataUnavailable, Detail: "no price history"})
			continue
		}
		if s.Symbol == "" {
			s.Symbol = sym
		}
		sc, err := r.Score(s)
		if err != nil {
			excluded = append(excluded, Exclusion{Symbol: sym, Reason: domain.ReasonFor(err), Detail: err.Error()})
			continue
		}
		scores = append(scores, sc)
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Symbol < scores[j].Symbol
	})
	return scores, excluded
}

// TopK returns the first k scores; k <= 0 returns all of them.
func TopK(scores []domain.AssetScore, k int) []domain.AssetScore {
	if k <= 0 || k >= len(scores) {
		return scores
	}
	return scores[:k]
}
