// Package series holds helpers shared by every daily/hourly time series:
// bucket keys and the volume outlier guard.
package series

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DateLayout = "2006-01-02"
	HourLayout = "2006-01-02 15"
)

// OutlierFactor is the growth over the preceding bucket above which a volume
// is considered a data error.
var OutlierFactor = decimal.NewFromInt(1_000_000)

// Date returns the UTC date bucket of a unix timestamp.
func Date(ts int64) string { return time.Unix(ts, 0).UTC().Format(DateLayout) }

// Hour returns the UTC date+hour bucket of a unix timestamp.
func Hour(ts int64) string { return time.Unix(ts, 0).UTC().Format(HourLayout) }

// ClampOutlier returns prev (and true) when cur exceeds prev by more than
// OutlierFactor times; otherwise cur. A zero or negative prev never clamps.
func ClampOutlier(cur, prev decimal.Decimal) (decimal.Decimal, bool) {
	if !prev.IsPositive() {
		return cur, false
	}
	if cur.GreaterThan(prev.Mul(OutlierFactor)) {
		return prev, true
	}
	return cur, false
}
