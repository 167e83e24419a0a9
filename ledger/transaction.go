package ledger

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// TxType is the direction of a transfer as seen by the submitting municipality.
type TxType string

const (
	TypeSend    TxType = "send"
	TypeReceive TxType = "receive"
)

// Transaction is the unit of value transfer carried through every tier.
type Transaction struct {
	ID                   string    `json:"transaction_id"`
	Sender               string    `json:"sender"`
	Receiver             string    `json:"receiver"`
	Amount               float64   `json:"amount"`
	SenderMunicipality   string    `json:"sender_municipality"`
	ReceiverMunicipality string    `json:"receiver_municipality"`
	SenderContinent      string    `json:"sender_continent"`
	ReceiverContinent    string    `json:"receiver_continent"`
	Type                 TxType    `json:"transaction_type"`
	Status               Status    `json:"status"`
	Signature            []byte    `json:"signature,omitempty"`
	ApprovedBy           string    `json:"approved_by,omitempty"`
	ApproverKey          []byte    `json:"approver_key,omitempty"`
	Location             *Location `json:"location,omitempty"`
	ProofOfPlace         string    `json:"proof_of_place,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Approved reports whether a representative signature is attached.
func (tx *Transaction) Approved() bool {
	return len(tx.Signature) > 0 && tx.ApprovedBy != ""
}

// ClearApproval drops an approval that could not be verified.
func (tx *Transaction) ClearApproval() {
	tx.Signature = nil
	tx.ApprovedBy = ""
	tx.ApproverKey = nil
}

// SigningBytes is the canonical content covered by an approval signature.
// Status and timestamps other than created_at are excluded since they change
// after approval.
func (tx *Transaction) SigningBytes() []byte {
	var buf bytes.Buffer
	for _, field := range []string{
		tx.ID,
		tx.Sender,
		tx.Receiver,
		strconv.FormatFloat(tx.Amount, 'f', -1, 64),
		tx.SenderMunicipality,
		tx.ReceiverMunicipality,
		string(tx.Type),
		tx.ProofOfPlace,
		tx.ApprovedBy,
	} {
		buf.Write(lengthPrefixed([]byte(field)))
	}
	buf.Write(int64ToBytes(tx.CreatedAt.UnixNano()))
	return buf.Bytes()
}

// Validate checks the fields a client must supply and derives the continents
// from the municipalities. It never touches Status or ID.
func (tx *Transaction) Validate() error {
	if strings.TrimSpace(tx.Sender) == "" {
		return invalid("sender", "must not be empty")
	}
	if strings.TrimSpace(tx.Receiver) == "" {
		return invalid("receiver", "must not be empty")
	}
	if !(tx.Amount > 0) {
		return invalid("amount", "must be greater than zero")
	}
	if tx.Type != TypeSend && tx.Type != TypeReceive {
		return invalid("transaction_type", "must be send or receive")
	}
	if tx.Location != nil {
		if err := tx.Location.Validate(); err != nil {
			return err
		}
	}

	senderContinent, _, err := ParseMunicipality(tx.SenderMunicipality)
	if err != nil {
		return invalid("sender_municipality", err.Error())
	}
	receiverContinent, _, err := ParseMunicipality(tx.ReceiverMunicipality)
	if err != nil {
		return invalid("receiver_municipality", err.Error())
	}

	if tx.SenderContinent == "" {
		tx.SenderContinent = senderContinent
	} else if tx.SenderContinent != senderContinent {
		return invalid("sender_continent", "does not match sender_municipality")
	}
	if tx.ReceiverContinent == "" {
		tx.ReceiverContinent = receiverContinent
	} else if tx.ReceiverContinent != receiverContinent {
		return invalid("receiver_continent", "does not match receiver_municipality")
	}
	return nil
}

// ParseMunicipality splits a "Continent-City" key. The city part may itself
// contain dashes.
func ParseMunicipality(key string) (continent, city string, err error) {
	continent, city, found := strings.Cut(key, "-")
	if !found || strings.TrimSpace(continent) == "" || strings.TrimSpace(city) == "" {
		return "", "", &formatError{key: key}
	}
	return continent, city, nil
}

type formatError struct{ key string }

func (e *formatError) Error() string {
	return strconv.Quote(e.key) + " is not of the form Continent-City"
}
