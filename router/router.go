// Package router resolves where a transaction or block goes next in the
// municipal -> continental -> global hierarchy and forwards it there.
package router

import (
	"fmt"
	"strings"

	"github.com/citychain/ledger-node/ledger"
)

// Tier is a level of the ledger hierarchy.
type Tier string

const (
	TierMunicipal   Tier = "municipal"
	TierContinental Tier = "continental"
	TierGlobal      Tier = "global"
)

func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(s)); t {
	case TierMunicipal, TierContinental, TierGlobal:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Upstream is the next tier up, if any.
func (t Tier) Upstream() (Tier, bool) {
	switch t {
	case TierMunicipal:
		return TierContinental, true
	case TierContinental:
		return TierGlobal, true
	}
	return "", false
}

// DefaultKey is the fallback entry of every routing table.
const DefaultKey = "Default"

// Table maps a routing key to a base URL.
type Table map[string]string

// Resolve returns the exact entry for key, else the Default entry.
func (t Table) Resolve(key string) (string, error) {
	if endpoint, ok := t[key]; ok && endpoint != "" {
		return endpoint, nil
	}
	if endpoint, ok := t[DefaultKey]; ok && endpoint != "" {
		return endpoint, nil
	}
	return "", fmt.Errorf("%w: %q", ledger.ErrUnknownDestination, key)
}

// Tables holds one routing table per tier. Municipal is keyed by
// "Continent-City", continental and global by continent.
type Tables struct {
	Municipal   Table
	Continental Table
	Global      Table
}

func (ts Tables) forTier(t Tier) Table {
	switch t {
	case TierMunicipal:
		return ts.Municipal
	case TierContinental:
		return ts.Continental
	case TierGlobal:
		return ts.Global
	}
	return nil
}

// Router resolves destinations from the point of view of a node at tier.
type Router struct {
	tier   Tier
	tables Tables
}

func New(tier Tier, tables Tables) *Router {
	return &Router{tier: tier, tables: tables}
}

func (r *Router) Tier() Tier {
	return r.tier
}

// ResolveTarget looks key up in the table of tier t.
func (r *Router) ResolveTarget(t Tier, key string) (string, error) {
	return r.tables.forTier(t).Resolve(key)
}

// ResolveUpstream returns the endpoint one tier up for continent. ok is false
// at the top tier.
func (r *Router) ResolveUpstream(continent string) (endpoint string, ok bool, err error) {
	up, ok := r.tier.Upstream()
	if !ok {
		return "", false, nil
	}
	endpoint, err = r.ResolveTarget(up, continent)
	if err != nil {
		return "", true, err
	}
	return endpoint, true, nil
}

// ResolveMunicipal picks the municipal node for a transfer: the sender's
// municipality first, then the receiver's, then Default.
func (r *Router) ResolveMunicipal(senderMunicipality, receiverMunicipality string) (string, error) {
	table := r.tables.Municipal
	for _, key := range []string{senderMunicipality, receiverMunicipality} {
		if endpoint, ok := table[key]; ok && endpoint != "" {
			return endpoint, nil
		}
	}
	return table.Resolve(DefaultKey)
}
