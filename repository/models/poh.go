package models

// PohEntry is one proof-of-history entry at its position in the log.
type PohEntry struct {
	Seq   int64  `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Entry string `gorm:"column:entry;type:varchar(64);not null"`
}
