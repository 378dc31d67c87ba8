package oracle

import (
	"github.com/shopspring/decimal"

	"github.com/sensei777/Ethplorer/internal/series"
)

// RollupDaily folds intraday candles (ascending) into one candle per UTC date:
// first open, max high, min low, last close, summed volumes. A day whose volume
// (or converted volume) jumps more than series.OutlierFactor over the previous
// day's is replaced by the previous day's value; prev seeds that comparison
// and may be nil. onOutlier, if set, receives each clamped date.
func RollupDaily(in []Candle, prev *Candle, onOutlier func(date string)) []Candle {
	var (
		out      []Candle
		cur      Candle
		open     bool
		prevVol  decimal.Decimal
		prevVolC decimal.Decimal
	)
	if prev != nil {
		prevVol, prevVolC = prev.Volume, prev.VolumeConverted
	}

	flush := func() {
		v, c1 := series.ClampOutlier(cur.Volume, prevVol)
		vc, c2 := series.ClampOutlier(cur.VolumeConverted, prevVolC)
		if (c1 || c2) && onOutlier != nil {
			onOutlier(cur.Date)
		}
		cur.Volume, cur.VolumeConverted = v, vc
		cur.Average = decimal.Zero
		if !v.IsZero() && !vc.IsZero() {
			cur.Average = vc.DivRound(v, 18)
		}
		cur.Hour = 0
		out = append(out, cur)
		prevVol, prevVolC = v, vc
	}

	for _, c := range in {
		if c.Date == "" {
			c.Date = series.Date(c.Ts)
		}
		if open && c.Date != cur.Date {
			flush()
			open = false
		}
		if !open {
			cur = c
			open = true
			continue
		}
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume = cur.Volume.Add(c.Volume)
		cur.VolumeConverted = cur.VolumeConverted.Add(c.VolumeConverted)
	}
	if open {
		flush()
	}
	return out
}
