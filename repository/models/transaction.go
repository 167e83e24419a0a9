package models

import "time"

// Transaction is the operational record of a transfer. transaction_id is the
// primary key, which is the uniqueness constraint ingress idempotency
// relies on.
type Transaction struct {
	ID                   string    `gorm:"column:transaction_id;primaryKey;type:varchar(64)"`
	Sender               string    `gorm:"column:sender;type:varchar(100);not null"`
	Receiver             string    `gorm:"column:receiver;type:varchar(100);not null;index"`
	Amount               float64   `gorm:"column:amount;not null"`
	SenderMunicipality   string    `gorm:"column:sender_municipality;type:varchar(100);not null"`
	ReceiverMunicipality string    `gorm:"column:receiver_municipality;type:varchar(100);not null;index"`
	SenderContinent      string    `gorm:"column:sender_continent;type:varchar(50)"`
	ReceiverContinent    string    `gorm:"column:receiver_continent;type:varchar(50)"`
	TransactionType      string    `gorm:"column:transaction_type;type:varchar(10);not null"`
	Status               string    `gorm:"column:status;type:varchar(20);not null;index"`
	Signature            []byte    `gorm:"column:signature"`
	ApprovedBy           string    `gorm:"column:approved_by;type:varchar(100)"`
	ApproverKey          []byte    `gorm:"column:approver_key"`
	Latitude             *float64  `gorm:"column:latitude"`
	Longitude            *float64  `gorm:"column:longitude"`
	ProofOfPlace         string    `gorm:"column:proof_of_place;type:varchar(64)"`
	BlockIndex           *int64    `gorm:"column:block_index;index"`
	Forwarded            bool      `gorm:"column:forwarded;default:false"`
	CreatedAt            time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

// AnalyticsTransaction is a transaction that reached shared and left the
// operational store.
type AnalyticsTransaction struct {
	Transaction `gorm:"embedded"`
	SharedAt    time.Time `gorm:"column:shared_at;index"`
}

func (AnalyticsTransaction) TableName() string {
	return "analytics_transactions"
}
