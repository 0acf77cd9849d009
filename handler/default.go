package handler

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/arkade-os/contract-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const DefaultContractType = "default"

// Parameter keys understood by the default handler.
const (
	ParamOwnerPubkey  = "ownerPubkey"
	ParamSignerPubkey = "signerPubkey"
	ParamExitDelay    = "exitDelay"
	ParamNetwork      = "network"
)

const (
	pathNameForfeit = "forfeit"
	pathNameExit    = "exit"
)

// defaultHandler implements the standard Ark spending condition: a forfeit
// closure signed together with the server, plus a unilateral exit closure
// unlocking after a relative timelock.
type defaultHandler struct{}

func NewDefaultHandler() ContractHandler {
	return &defaultHandler{}
}

func (h *defaultHandler) Type() string {
	return DefaultContractType
}

func (h *defaultHandler) CreateScript(params map[string]string) (*ContractScript, error) {
	ownerPubkey, signerPubkey, exitDelay, network, err := parseDefaultParams(params)
	if err != nil {
		return nil, err
	}

	vtxoScript := script.NewDefaultVtxoScript(ownerPubkey, signerPubkey, exitDelay)
	tapscripts, err := vtxoScript.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode vtxo script: %s", err)
	}

	vtxoTapKey, _, err := vtxoScript.TapTree()
	if err != nil {
		return nil, fmt.Errorf("failed to compute taproot tree: %s", err)
	}

	pkScript, err := script.P2TRScript(vtxoTapKey)
	if err != nil {
		return nil, err
	}

	addr := &arklib.Address{
		HRP:        network.Addr,
		Signer:     signerPubkey,
		VtxoTapKey: vtxoTapKey,
	}
	encodedAddr, err := addr.EncodeV0()
	if err != nil {
		return nil, err
	}

	return &ContractScript{
		Script:     hex.EncodeToString(pkScript),
		Address:    encodedAddr,
		Tapscripts: tapscripts,
	}, nil
}

func (h *defaultHandler) GetSpendablePaths(
	contract types.Contract, pathCtx PathContext,
) ([]SpendingPath, error) {
	ownerPubkey, signerPubkey, exitDelay, _, err := parseDefaultParams(contract.Params)
	if err != nil {
		return nil, err
	}

	vtxoScript := script.NewDefaultVtxoScript(ownerPubkey, signerPubkey, exitDelay)

	forfeitClosures := vtxoScript.ForfeitClosures()
	if len(forfeitClosures) <= 0 {
		return nil, fmt.Errorf("no forfeit closures found")
	}
	forfeitScript, err := forfeitClosures[0].Script()
	if err != nil {
		return nil, err
	}

	exitClosures := vtxoScript.ExitClosures()
	if len(exitClosures) <= 0 {
		return nil, fmt.Errorf("no exit closures found")
	}
	exitScript, err := exitClosures[0].Script()
	if err != nil {
		return nil, err
	}

	now := pathCtx.Now
	if now.IsZero() {
		now = time.Now()
	}

	// The exit path unlocks a relative delay after the vtxo was created, it
	// can only be evaluated against a specific coin.
	var exitAvailable bool
	var exitAvailableAt time.Time
	if pathCtx.Vtxo != nil && !pathCtx.Vtxo.CreatedAt.IsZero() {
		exitAvailableAt = pathCtx.Vtxo.CreatedAt.Add(
			time.Duration(exitDelay.Seconds()) * time.Second,
		)
		exitAvailable = !now.Before(exitAvailableAt)
	}

	return []SpendingPath{
		{
			Name:          pathNameForfeit,
			Collaborative: true,
			Script:        hex.EncodeToString(forfeitScript),
			Available:     true,
		},
		{
			Name:          pathNameExit,
			Collaborative: false,
			Script:        hex.EncodeToString(exitScript),
			Available:     exitAvailable,
			AvailableAt:   exitAvailableAt,
		},
	}, nil
}

func (h *defaultHandler) SelectPath(
	contract types.Contract, pathCtx PathContext,
) (*SpendingPath, error) {
	paths, err := h.GetSpendablePaths(contract, pathCtx)
	if err != nil {
		return nil, err
	}

	wantCollaborative := pathCtx.Mode == PathModeCollaborative
	for i := range paths {
		path := paths[i]
		if path.Collaborative != wantCollaborative {
			continue
		}
		if !path.Available {
			continue
		}
		return &path, nil
	}
	return nil, fmt.Errorf("no spendable path available in %s mode", pathCtx.Mode)
}

func parseDefaultParams(params map[string]string) (
	owner, signer *btcec.PublicKey, exitDelay arklib.RelativeLocktime,
	network arklib.Network, err error,
) {
	owner, err = parsePubkey(params[ParamOwnerPubkey])
	if err != nil {
		err = fmt.Errorf("invalid %s: %s", ParamOwnerPubkey, err)
		return
	}
	signer, err = parsePubkey(params[ParamSignerPubkey])
	if err != nil {
		err = fmt.Errorf("invalid %s: %s", ParamSignerPubkey, err)
		return
	}

	delaySecs, convErr := strconv.ParseUint(params[ParamExitDelay], 10, 32)
	if convErr != nil {
		err = fmt.Errorf("invalid %s: %s", ParamExitDelay, convErr)
		return
	}
	// Second-based relative locktimes are encoded in 512s units.
	if delaySecs%512 != 0 {
		err = fmt.Errorf("invalid %s: seconds must be a multiple of 512", ParamExitDelay)
		return
	}
	exitDelay = arklib.RelativeLocktime{
		Type:  arklib.LocktimeTypeSecond,
		Value: uint32(delaySecs),
	}

	network = NetworkFromString(params[ParamNetwork])
	return
}

func parsePubkey(pubkeyHex string) (*btcec.PublicKey, error) {
	if len(pubkeyHex) <= 0 {
		return nil, fmt.Errorf("missing pubkey")
	}
	buf, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, err
	}
	if len(buf) == schnorr.PubKeyBytesLen {
		return schnorr.ParsePubKey(buf)
	}
	return btcec.ParsePubKey(buf)
}

func NetworkFromString(net string) arklib.Network {
	switch net {
	case arklib.BitcoinTestNet.Name:
		return arklib.BitcoinTestNet
	case arklib.BitcoinTestNet4.Name:
		return arklib.BitcoinTestNet4
	case arklib.BitcoinSigNet.Name:
		return arklib.BitcoinSigNet
	case arklib.BitcoinMutinyNet.Name:
		return arklib.BitcoinMutinyNet
	case arklib.BitcoinRegTest.Name:
		return arklib.BitcoinRegTest
	case arklib.Bitcoin.Name:
		fallthrough
	default:
		return arklib.Bitcoin
	}
}
