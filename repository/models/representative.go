package models

import "time"

// Representative is one member of an elected cohort.
type Representative struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string    `gorm:"column:user_id;type:varchar(100);not null;uniqueIndex:idx_representative_term"`
	Municipality string    `gorm:"column:municipality;type:varchar(100);not null;index;uniqueIndex:idx_representative_term"`
	StartDate    time.Time `gorm:"column:start_date;not null;uniqueIndex:idx_representative_term"`
	EndDate      time.Time `gorm:"column:end_date;not null"`
	Score        float64   `gorm:"column:score"`
}

// Evaluation accumulates a user's contribution signals for the open window.
type Evaluation struct {
	UserID            string  `gorm:"column:user_id;primaryKey;type:varchar(100)"`
	Municipality      string  `gorm:"column:municipality;primaryKey;type:varchar(100)"`
	TotalUsage        float64 `gorm:"column:total_usage;not null;default:0"`
	ValueReceived     float64 `gorm:"column:value_received;not null;default:0"`
	ContributionScore float64 `gorm:"column:contribution_score;not null;default:0"`
}
