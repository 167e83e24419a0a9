package models

import "time"

// Block is a block assembled by this node.
type Block struct {
	Index                int64  `gorm:"column:block_index;primaryKey;autoIncrement:false"`
	Timestamp            int64  `gorm:"column:timestamp;not null"`
	Data                 string `gorm:"column:data;type:text"`
	PrevHash             string `gorm:"column:prev_hash;type:varchar(64);not null"`
	Hash                 string `gorm:"column:hash;type:varchar(64);uniqueIndex;not null"`
	VerifiableCredential string `gorm:"column:verifiable_credential;type:varchar(150)"`
	Signature            []byte `gorm:"column:signature"`
	PohDigest            string `gorm:"column:poh_digest;type:varchar(64)"`
	Forwarded            bool   `gorm:"column:forwarded;default:false"`
}

// AnchoredBlock is a block forwarded up from a lower-tier node.
type AnchoredBlock struct {
	ID                   uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Hash                 string    `gorm:"column:hash;type:varchar(64);uniqueIndex;not null"`
	Origin               string    `gorm:"column:origin;type:varchar(100);index"`
	Index                int64     `gorm:"column:block_index;not null"`
	Timestamp            int64     `gorm:"column:timestamp;not null"`
	Data                 string    `gorm:"column:data;type:text"`
	PrevHash             string    `gorm:"column:prev_hash;type:varchar(64)"`
	VerifiableCredential string    `gorm:"column:verifiable_credential;type:varchar(150)"`
	Signature            []byte    `gorm:"column:signature"`
	ReceivedAt           time.Time `gorm:"column:received_at;autoCreateTime"`
}
