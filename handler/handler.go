package handler

import (
	"time"

	"github.com/arkade-os/contract-sdk/types"
)

// ContractScript is the result of deriving a contract's spending conditions
// from its parameters: the hex-encoded locking script, the encoded ark
// address and the tapscripts composing the taproot tree.
type ContractScript struct {
	Script     string
	Address    string
	Tapscripts []string
}

// PathContext describes the conditions under which a spending path is
// evaluated. Mode selects collaborative (server cooperates) vs unilateral
// (local authority only, usually timelocked) spending. Vtxo, when set,
// narrows timelock evaluation to a specific coin.
type PathContext struct {
	Mode        PathMode
	Now         time.Time
	BlockHeight uint32
	Vtxo        *types.Vtxo
}

type PathMode int

const (
	PathModeCollaborative PathMode = iota
	PathModeUnilateral
)

func (m PathMode) String() string {
	if m == PathModeUnilateral {
		return "UNILATERAL"
	}
	return "COLLABORATIVE"
}

// SpendingPath is one way of spending a contract's vtxos. Available reports
// whether the path can be taken now; AvailableAt is the earliest time the
// path unlocks when it is timelocked.
type SpendingPath struct {
	Name          string
	Collaborative bool
	Script        string
	Available     bool
	AvailableAt   time.Time
}

// ContractHandler implements the script construction and spending-path logic
// for one contract type. Handlers are registered by type tag; the manager and
// watcher never inspect contract parameters themselves.
type ContractHandler interface {
	Type() string
	CreateScript(params map[string]string) (*ContractScript, error)
	GetSpendablePaths(contract types.Contract, pathCtx PathContext) ([]SpendingPath, error)
	SelectPath(contract types.Contract, pathCtx PathContext) (*SpendingPath, error)
}
