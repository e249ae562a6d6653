package domain

import (
	"strings"
	"time"
)

// Transaction is a single money transfer handed to the analysis core.
// Label and balance fields are optional; nil means the source dataset did not carry them.
type Transaction struct {
	// Core identifiers
	ID string `json:"id,omitempty"`

	// Parties involved
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver" validate:"required"`

	// Financial details
	Amount float64 `json:"amount" validate:"gte=0"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Transaction type (e.g., "TRANSFER", "CASH_OUT", "PAYMENT")
	TxType string `json:"txType,omitempty"`

	// Ground-truth labels (PaySim style)
	IsFraud        *bool `json:"isFraud,omitempty"`
	IsFlaggedFraud *bool `json:"isFlaggedFraud,omitempty"`

	// Balances before and after the transfer
	OldBalanceOrig *float64 `json:"oldBalanceOrig,omitempty"`
	NewBalanceOrig *float64 `json:"newBalanceOrig,omitempty"`
	OldBalanceDest *float64 `json:"oldBalanceDest,omitempty"`
	NewBalanceDest *float64 `json:"newBalanceDest,omitempty"`
}

// HasLabel reports whether the transaction carries a fraud label.
func (t *Transaction) HasLabel() bool {
	return t.IsFraud != nil
}

// Fraudulent reports whether the transaction is labelled as fraud.
func (t *Transaction) Fraudulent() bool {
	return t.IsFraud != nil && *t.IsFraud
}

// NormalizedType returns the upper-cased transaction type, or "UNKNOWN".
func (t *Transaction) NormalizedType() string {
	typ := strings.ToUpper(strings.TrimSpace(t.TxType))
	if typ == "" {
		return "UNKNOWN"
	}
	return typ
}

// HighRiskTxTypes are the transaction types PaySim-style fraud concentrates in.
var HighRiskTxTypes = map[string]bool{
	"TRANSFER": true,
	"CASH_OUT": true,
}

// TxSample is the display copy of a transaction kept on a node.
type TxSample struct {
	ID           string    `json:"id,omitempty"`
	Counterparty string    `json:"counterparty"`
	Amount       float64   `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
	TxType       string    `json:"type,omitempty"`
}

// PeerRef is a compact (peer, timestamp) reference used for neighbour discovery.
type PeerRef struct {
	Peer string
	At   time.Time
}
