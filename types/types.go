package types

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	InMemoryStore = "inmemory"
	KVStore       = "kv"
	SQLStore      = "sql"
)

type Outpoint struct {
	Txid string
	VOut uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.VOut)
}

// ContractState tracks the lifecycle of a contract. A contract that still
// holds VTXOs keeps being watched regardless of its state.
type ContractState string

const (
	ContractStateActive   ContractState = "active"
	ContractStateInactive ContractState = "inactive"
	ContractStateExpired  ContractState = "expired"
)

// Contract is a typed spending condition able to receive and hold VTXOs.
// The locking script is the unique, immutable identity: it is both the
// repository primary key and the cache key.
type Contract struct {
	Script    string
	Address   string
	Type      string
	Params    map[string]string
	State     ContractState
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]string
}

func (c Contract) String() string {
	// nolint
	b, _ := json.MarshalIndent(c, "", "  ")
	return string(b)
}

// IsExpired reports whether the contract carries an expiry in the past.
// Contracts without an expiry never expire.
func (c Contract) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

type ContractFilter struct {
	States  []ContractState
	Types   []string
	Scripts []string
}

func (f *ContractFilter) Match(c Contract) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 && !containsState(f.States, c.State) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, c.Type) {
		return false
	}
	if len(f.Scripts) > 0 && !contains(f.Scripts, c.Script) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsState(list []ContractState, s ContractState) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type Vtxo struct {
	Outpoint
	Script       string
	Amount       uint64
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Preconfirmed bool
	Swept        bool
	Spent        bool
	SpentBy      string
	SettledBy    string
	ArkTxid      string
}

func (v Vtxo) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func (v Vtxo) IsRecoverable() bool {
	return v.Swept && !v.Spent
}

// IsSpendable reports whether the vtxo counts toward the spendable balance.
// The Spent flag is authoritative, spendability is never re-derived from
// SpentBy.
func (v Vtxo) IsSpendable() bool {
	return !v.Spent && !v.Swept
}

// ContractVtxo is a vtxo annotated with the script of the owning contract.
type ContractVtxo struct {
	Vtxo
	ContractScript string
}

type VtxoEventType int

const (
	VtxosAdded VtxoEventType = iota
	VtxosSpent
	VtxosUpdated
)

func (e VtxoEventType) String() string {
	return map[VtxoEventType]string{
		VtxosAdded:   "VTXOS_ADDED",
		VtxosSpent:   "VTXOS_SPENT",
		VtxosUpdated: "VTXOS_UPDATED",
	}[e]
}

// VtxoEvent is emitted by the vtxo repositories when rows change.
type VtxoEvent struct {
	Type  VtxoEventType
	Vtxos []Vtxo
}

type ContractEventType int

const (
	ContractEventVtxosReceived ContractEventType = iota
	ContractEventVtxosSpent
	ContractEventVtxosSwept
	ContractEventExpired
	ContractEventConnectionReset
)

func (e ContractEventType) String() string {
	return map[ContractEventType]string{
		ContractEventVtxosReceived:   "CONTRACT_VTXOS_RECEIVED",
		ContractEventVtxosSpent:      "CONTRACT_VTXOS_SPENT",
		ContractEventVtxosSwept:      "CONTRACT_VTXOS_SWEPT",
		ContractEventExpired:         "CONTRACT_EXPIRED",
		ContractEventConnectionReset: "CONNECTION_RESET",
	}[e]
}

// ContractEvent is the tagged union delivered to consumers. ContractScript,
// Contract and Vtxos are empty for ConnectionReset events; Vtxos is empty
// for Expired events.
type ContractEvent struct {
	Type           ContractEventType
	ContractScript string
	Contract       *Contract
	Vtxos          []Vtxo
	Timestamp      time.Time
}

type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
)

func (s ConnectionState) String() string {
	return map[ConnectionState]string{
		ConnectionDisconnected: "DISCONNECTED",
		ConnectionConnecting:   "CONNECTING",
		ConnectionConnected:    "CONNECTED",
		ConnectionReconnecting: "RECONNECTING",
	}[s]
}
