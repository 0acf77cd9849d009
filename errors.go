package contractsdk

import (
	"fmt"
)

var (
	ErrNotInitialized   = fmt.Errorf("contract manager not initialized")
	ErrAlreadyWatching  = fmt.Errorf("already watching")
	ErrContractNotFound = fmt.Errorf("contract not found")
	ErrContractExpired  = fmt.Errorf("contract is expired")
)

// ScriptMismatchError signals that the script derived from the contract
// parameters does not match the one supplied by the caller, i.e. the declared
// spending conditions don't match the locking script.
type ScriptMismatchError struct {
	Expected string
	Actual   string
}

func (e ScriptMismatchError) Error() string {
	return fmt.Sprintf(
		"contract script mismatch: derived %s, supplied %s", e.Expected, e.Actual,
	)
}

// ContractTypeMismatchError signals that a contract with the same script
// already exists under a different type.
type ContractTypeMismatchError struct {
	Script   string
	Existing string
	Supplied string
}

func (e ContractTypeMismatchError) Error() string {
	return fmt.Sprintf(
		"contract %s already exists with type %s, got %s",
		e.Script, e.Existing, e.Supplied,
	)
}
