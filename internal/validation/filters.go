// Package validation provides sanity filtering for decoded market records.
package validation

import (
	"github.com/sirupsen/logrus"
	"github.com/yourorg/cryptoinfo/internal/model"
)

// FilterInvalid removes records that cannot be cached: missing asset ids or
// non-finite prices. The upstream occasionally returns stub entries for
// delisted assets; dropping them here keeps the cache clean without failing
// the whole cycle.
func FilterInvalid(records []model.MarketRecord) []model.MarketRecord {
	valid := make([]model.MarketRecord, 0, len(records))
	for _, r := range records {
		if r.Valid() {
			valid = append(valid, r)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"id":    r.ID,
			"name":  r.Name,
			"price": r.CurrentPrice,
		}).Debug("Filtered invalid market record")
	}
	return valid
}
