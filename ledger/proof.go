package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Location is where a transaction was made, in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l Location) Validate() error {
	if !(l.Latitude >= -90 && l.Latitude <= 90) {
		return invalid("latitude", "must be within [-90, 90]")
	}
	if !(l.Longitude >= -180 && l.Longitude <= 180) {
		return invalid("longitude", "must be within [-180, 180]")
	}
	return nil
}

// ProofOfPlace binds a location to an instant. It is
// hex(sha256("lat|lon|at")) with at in RFC 3339 UTC.
func ProofOfPlace(loc Location, at time.Time) string {
	payload := strconv.FormatFloat(loc.Latitude, 'f', -1, 64) + "|" +
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64) + "|" +
		at.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyProofOfPlace recomputes the proof of loc at at and compares it.
func VerifyProofOfPlace(proof string, loc Location, at time.Time) bool {
	return proof != "" && proof == ProofOfPlace(loc, at)
}

// CheckPlace verifies ProofOfPlace against Location and CreatedAt. A
// transaction without a location must not carry a proof.
func (tx *Transaction) CheckPlace() error {
	if tx.Location == nil {
		if tx.ProofOfPlace != "" {
			return invalid("proof_of_place", "requires a location")
		}
		return nil
	}
	if err := tx.Location.Validate(); err != nil {
		return err
	}
	if !VerifyProofOfPlace(tx.ProofOfPlace, *tx.Location, tx.CreatedAt) {
		return invalid("proof_of_place", "does not match location and created_at")
	}
	return nil
}
