package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Aggregation selects how repeated point awards combine into a category's
// running value.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggAvg   Aggregation = "avg"
	AggCount Aggregation = "count"
)

// PointCategory governs aggregation and balance policy for one category.
type PointCategory struct {
	ID            CategoryID  `json:"id"`
	Aggregation   Aggregation `json:"aggregation"`
	Spendable     bool        `json:"spendable"`
	AllowNegative bool        `json:"allow_negative"`
}

// NewPointCategory validates and constructs a category. Aggregation defaults
// to Sum.
func NewPointCategory(id CategoryID, agg Aggregation, spendable, allowNegative bool) (PointCategory, error) {
	if err := ValidateIdentifier(string(id)); err != nil {
		return PointCategory{}, fmt.Errorf("category: %w", err)
	}
	switch agg {
	case AggSum, AggMin, AggMax, AggAvg, AggCount:
	case "":
		agg = AggSum
	default:
		return PointCategory{}, fmt.Errorf("category %s: unknown aggregation %q", id, agg)
	}
	return PointCategory{ID: id, Aggregation: agg, Spendable: spendable, AllowNegative: allowNegative}, nil
}

// PointTotal is the running value for one category plus the bookkeeping that
// keeps Min/Max/Avg/Count exact without replaying history: Awards counts
// award events, Raw accumulates the signed amounts (the Avg numerator).
type PointTotal struct {
	Value  int64 `json:"value"`
	Awards int64 `json:"awards"`
	Raw    int64 `json:"raw"`
}

// Apply folds one signed award amount into the total under the category's
// aggregation mode. The receiver is not mutated.
func (t PointTotal) Apply(cat PointCategory, amount int64) (PointTotal, error) {
	next := t
	raw, err := AddSafe(t.Raw, amount)
	if err != nil {
		return PointTotal{}, err
	}
	next.Raw = raw
	next.Awards = t.Awards + 1

	switch cat.Aggregation {
	case AggSum:
		v, err := AddSafe(t.Value, amount)
		if err != nil {
			return PointTotal{}, err
		}
		next.Value = v
	case AggMin:
		if t.Awards == 0 || amount < t.Value {
			next.Value = amount
		}
	case AggMax:
		if t.Awards == 0 || amount > t.Value {
			next.Value = amount
		}
	case AggAvg:
		next.Value = next.Raw / next.Awards
	case AggCount:
		next.Value = next.Awards
	default:
		return PointTotal{}, fmt.Errorf("unknown aggregation %q", cat.Aggregation)
	}

	if next.Value < 0 && !cat.AllowNegative {
		return PointTotal{}, fmt.Errorf("%w: category %s would reach %d", ErrNegativeBalance, cat.ID, next.Value)
	}
	return next, nil
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// Level is a named threshold within a category. A user's level is derived on
// demand from the category total and never stored.
type Level struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Category  CategoryID `json:"category"`
	MinPoints int64      `json:"min_points"`
}

// LevelForPoints returns the highest level of the category whose MinPoints
// does not exceed points.
func LevelForPoints(levels []Level, category CategoryID, points int64) (Level, bool) {
	candidates := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Category == category && l.MinPoints <= points {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return Level{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].MinPoints < candidates[j].MinPoints })
	return candidates[len(candidates)-1], true
}
