package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTx(id string) Transaction {
	return Transaction{
		ID:                   id,
		Sender:               "Alice",
		Receiver:             "Bob",
		Amount:               100,
		SenderMunicipality:   "Asia-Tokyo",
		ReceiverMunicipality: "Europe-Paris",
		Type:                 TypeSend,
		Status:               StatusSendPending,
		CreatedAt:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func buildChain(t *testing.T, n int) *Chain {
	t.Helper()
	c := NewChain()
	for i := 0; i < n; i++ {
		index, prev := c.NextLink()
		b, err := NewBlock(index, time.Unix(int64(1000+i), 0), []Transaction{sampleTx(fmt.Sprintf("tx-%d", i))}, prev)
		require.NoError(t, err)
		require.NoError(t, c.Append(b))
	}
	return c
}

func TestValidate(t *testing.T) {
	tx := sampleTx("a")
	require.NoError(t, tx.Validate())
	assert.Equal(t, "Asia", tx.SenderContinent)
	assert.Equal(t, "Europe", tx.ReceiverContinent)

	cases := map[string]func(*Transaction){
		"zero amount":     func(tx *Transaction) { tx.Amount = 0 },
		"negative amount": func(tx *Transaction) { tx.Amount = -3 },
		"empty sender":    func(tx *Transaction) { tx.Sender = " " },
		"empty receiver":  func(tx *Transaction) { tx.Receiver = "" },
		"bad type":        func(tx *Transaction) { tx.Type = "mint" },
		"no city":         func(tx *Transaction) { tx.SenderMunicipality = "Asia-" },
		"no dash":         func(tx *Transaction) { tx.ReceiverMunicipality = "Paris" },
		"wrong continent": func(tx *Transaction) { tx.SenderContinent = "Europe" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tx := sampleTx("a")
			mutate(&tx)
			err := tx.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestParseMunicipalityKeepsDashedCity(t *testing.T) {
	continent, city, err := ParseMunicipality("America-Winston-Salem")
	require.NoError(t, err)
	assert.Equal(t, "America", continent)
	assert.Equal(t, "Winston-Salem", city)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusSendPending))
	assert.True(t, CanTransition(StatusSendPending, StatusSendComplete))
	assert.True(t, CanTransition(StatusSendComplete, StatusShared))
	assert.True(t, CanTransition(StatusComplete, StatusShared))
	assert.True(t, CanTransition(StatusReceivePending, StatusExpired))

	assert.False(t, CanTransition(StatusShared, StatusComplete))
	assert.False(t, CanTransition(StatusSendPending, StatusComplete))
	assert.False(t, CanTransition(StatusComplete, StatusRejected))
	assert.False(t, CanTransition(StatusRejected, StatusSendPending))

	err := CheckTransition(StatusShared, StatusSendPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.True(t, IsTerminal(StatusShared))
	assert.True(t, IsTerminal(StatusExpired))
	assert.False(t, IsTerminal(StatusComplete))
}

func TestBlockHashIsDeterministic(t *testing.T) {
	ts := time.Unix(1700000000, 42)
	a, err := NewBlock(3, ts, []Transaction{sampleTx("x")}, "abc")
	require.NoError(t, err)
	b, err := NewBlock(3, ts, []Transaction{sampleTx("x")}, "abc")
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Hash, a.ComputeHash())

	c, err := NewBlock(4, ts, []Transaction{sampleTx("x")}, "abc")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestBlockHashSurvivesReencoding(t *testing.T) {
	b, err := NewBlock(0, time.Now(), []Transaction{sampleTx("x"), sampleTx("y")}, GenesisPrevHash)
	require.NoError(t, err)

	raw, err := json.MarshalIndent(b, "", "  ")
	require.NoError(t, err)
	var decoded Block
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.Verify())
	assert.Equal(t, []string{"x", "y"}, decoded.TransactionIDs())
}

func TestTamperedBlockFailsVerify(t *testing.T) {
	b, err := NewBlock(0, time.Now(), []Transaction{sampleTx("x")}, GenesisPrevHash)
	require.NoError(t, err)
	b.Data = "[]"
	assert.ErrorIs(t, b.Verify(), ErrHashMismatch)
}

func TestChainLinks(t *testing.T) {
	c := buildChain(t, 5)
	require.Equal(t, 5, c.Len())
	require.NoError(t, c.Verify())

	blocks := c.Blocks()
	assert.Equal(t, GenesisPrevHash, blocks[0].PrevHash)
	for i := 1; i < len(blocks); i++ {
		assert.Equal(t, blocks[i-1].Hash, blocks[i].PrevHash)
		assert.Equal(t, uint64(i), blocks[i].Index)
	}
	assert.True(t, c.Has(blocks[2].Hash))

	last := c.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(3), last[0].Index)
	assert.Equal(t, uint64(4), last[1].Index)
}

func TestChainRejectsBadLinks(t *testing.T) {
	c := buildChain(t, 2)

	wrongPrev, err := NewBlock(2, time.Now(), nil, "deadbeef")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Append(wrongPrev), ErrPrevHashMismatch)

	_, tipHash := c.NextLink()
	gap, err := NewBlock(5, time.Now(), nil, tipHash)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Append(gap), ErrIndexGap)

	stale, err := NewBlock(1, time.Now(), nil, tipHash)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Append(stale), ErrPrevHashMismatch)

	forged, err := NewBlock(2, time.Now(), nil, tipHash)
	require.NoError(t, err)
	forged.Hash = "00"
	assert.ErrorIs(t, c.Append(forged), ErrHashMismatch)

	assert.Equal(t, 2, c.Len())
}

func TestSigningBytesIgnoreStatus(t *testing.T) {
	tx := sampleTx("x")
	before := tx.SigningBytes()
	tx.Status = StatusSendComplete
	tx.UpdatedAt = time.Now()
	assert.Equal(t, before, tx.SigningBytes())
	tx.Amount = 101
	assert.NotEqual(t, before, tx.SigningBytes())
}

func TestProofOfPlace(t *testing.T) {
	at := time.Date(2026, 4, 1, 9, 30, 0, 123000, time.UTC)
	tokyo := Location{Latitude: 35.6812, Longitude: 139.7671}

	proof := ProofOfPlace(tokyo, at)
	assert.Len(t, proof, 64)
	assert.Equal(t, proof, ProofOfPlace(tokyo, at.In(time.FixedZone("JST", 9*3600))))
	assert.True(t, VerifyProofOfPlace(proof, tokyo, at))
	assert.False(t, VerifyProofOfPlace(proof, tokyo, at.Add(time.Microsecond)))
	assert.False(t, VerifyProofOfPlace(proof, Location{Latitude: 34.6937, Longitude: 135.5023}, at))
	assert.False(t, VerifyProofOfPlace("", tokyo, at))

	assert.ErrorIs(t, Location{Latitude: 91}.Validate(), ErrValidation)
	assert.ErrorIs(t, Location{Longitude: -181}.Validate(), ErrValidation)
}

func TestCheckPlace(t *testing.T) {
	tx := sampleTx("placed")
	require.NoError(t, tx.CheckPlace())

	tx.ProofOfPlace = "deadbeef"
	var verr *ValidationError
	require.ErrorAs(t, tx.CheckPlace(), &verr)
	assert.Equal(t, "proof_of_place", verr.Field)

	tx.Location = &Location{Latitude: 35.6812, Longitude: 139.7671}
	assert.ErrorIs(t, tx.CheckPlace(), ErrValidation)

	tx.ProofOfPlace = ProofOfPlace(*tx.Location, tx.CreatedAt)
	require.NoError(t, tx.CheckPlace())

	// The proof is covered by the approval signature.
	before := tx.SigningBytes()
	tx.ProofOfPlace = ProofOfPlace(*tx.Location, tx.CreatedAt.Add(time.Second))
	assert.NotEqual(t, before, tx.SigningBytes())

	tx.Location = &Location{Latitude: 200}
	assert.ErrorIs(t, tx.Validate(), ErrValidation)
}
