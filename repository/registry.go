package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/citychain/ledger-node/dpos"
	"github.com/citychain/ledger-node/evaluation"
	"github.com/citychain/ledger-node/repository/models"
)

// AddEvaluations adds each delta onto the stored record, creating it if
// needed. Deltas are applied one statement each since a batch may touch
// the same user twice.
func (r *Repository) AddEvaluations(deltas []evaluation.Record) error {
	return wrapDBError(r.db.Transaction(func(tx *gorm.DB) error {
		for _, d := range deltas {
			row := models.Evaluation{
				UserID:            d.UserID,
				Municipality:      d.Municipality,
				TotalUsage:        d.TotalUsage,
				ValueReceived:     d.ValueReceived,
				ContributionScore: d.ContributionScore,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "municipality"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total_usage":        gorm.Expr("evaluations.total_usage + ?", d.TotalUsage),
					"value_received":     gorm.Expr("evaluations.value_received + ?", d.ValueReceived),
					"contribution_score": gorm.Expr("evaluations.contribution_score + ?", d.ContributionScore),
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	}), "adding evaluations")
}

func (r *Repository) LoadEvaluations() ([]evaluation.Record, error) {
	var rows []models.Evaluation
	if err := r.db.Order("municipality, user_id").Find(&rows).Error; err != nil {
		return nil, wrapDBError(err, "loading evaluations")
	}
	out := make([]evaluation.Record, len(rows))
	for i, row := range rows {
		out[i] = evaluation.Record{
			UserID:            row.UserID,
			Municipality:      row.Municipality,
			TotalUsage:        row.TotalUsage,
			ValueReceived:     row.ValueReceived,
			ContributionScore: row.ContributionScore,
		}
	}
	return out, nil
}

// ResetEvaluations empties the window once an election consumed it.
func (r *Repository) ResetEvaluations() error {
	err := r.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Evaluation{}).Error
	return wrapDBError(err, "resetting evaluations")
}

func (r *Repository) SaveRepresentatives(reps []dpos.Representative) error {
	if len(reps) == 0 {
		return nil
	}
	rows := make([]models.Representative, len(reps))
	for i, rep := range reps {
		rows[i] = models.Representative{
			UserID:       rep.UserID,
			Municipality: rep.Municipality,
			StartDate:    rep.StartDate.UTC(),
			EndDate:      rep.EndDate.UTC(),
			Score:        rep.Score,
		}
	}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	return wrapDBError(err, "saving representatives")
}

func (r *Repository) LoadRepresentatives() ([]dpos.Representative, error) {
	var rows []models.Representative
	if err := r.db.Order("municipality, start_date, user_id").Find(&rows).Error; err != nil {
		return nil, wrapDBError(err, "loading representatives")
	}
	out := make([]dpos.Representative, len(rows))
	for i, row := range rows {
		out[i] = dpos.Representative{
			UserID:       row.UserID,
			Municipality: row.Municipality,
			StartDate:    row.StartDate.UTC(),
			EndDate:      row.EndDate.UTC(),
			Score:        row.Score,
		}
	}
	return out, nil
}
