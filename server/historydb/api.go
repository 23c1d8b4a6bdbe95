package historydb

import (
	"time"

	"github.com/cyclopcam/dbh"
)

// Add a prediction to the history. If CreatedAt is zero, it is set to now.
func (h *HistoryDB) Add(p *Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = dbh.MakeIntTime(time.Now())
	}
	return h.db.Create(p).Error
}

// Recent returns up to limit predictions, newest first
func (h *HistoryDB) Recent(limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	preds := []Prediction{}
	err := h.db.Order("id DESC").Limit(limit).Find(&preds).Error
	return preds, err
}

// Count returns the total number of predictions
func (h *HistoryDB) Count() (int64, error) {
	n := int64(0)
	err := h.db.Model(&Prediction{}).Count(&n).Error
	return n, err
}

// ClassCounts returns how often each class was the top prediction of a non-blank canvas,
// most frequent first
func (h *HistoryDB) ClassCounts() ([]ClassCount, error) {
	counts := []ClassCount{}
	err := h.db.Model(&Prediction{}).
		Select("top_class, COUNT(*) AS count").
		Where("blank = ?", false).
		Group("top_class").
		Order("count DESC, top_class").
		Scan(&counts).Error
	return counts, err
}

// DeleteOlderThan removes predictions created before t, and returns the number removed
func (h *HistoryDB) DeleteOlderThan(t time.Time) (int64, error) {
	res := h.db.Where("created_at < ?", dbh.MakeIntTime(t)).Delete(&Prediction{})
	return res.RowsAffected, res.Error
}
