package handler_test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/arkade-os/contract-sdk/handler"
	"github.com/arkade-os/contract-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func defaultParams(t *testing.T) map[string]string {
	t.Helper()
	owner, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signer, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return map[string]string{
		handler.ParamOwnerPubkey:  hex.EncodeToString(owner.PubKey().SerializeCompressed()),
		handler.ParamSignerPubkey: hex.EncodeToString(signer.PubKey().SerializeCompressed()),
		handler.ParamExitDelay:    "4096",
		handler.ParamNetwork:      "regtest",
	}
}

func TestDefaultHandlerCreateScript(t *testing.T) {
	h := handler.NewDefaultHandler()
	params := defaultParams(t)

	contractScript, err := h.CreateScript(params)
	require.NoError(t, err)
	require.NotEmpty(t, contractScript.Script)
	require.NotEmpty(t, contractScript.Address)
	require.NotEmpty(t, contractScript.Tapscripts)

	// Script derivation is deterministic: same params, same script.
	again, err := h.CreateScript(params)
	require.NoError(t, err)
	require.Equal(t, contractScript.Script, again.Script)
	require.Equal(t, contractScript.Address, again.Address)

	// The script is a valid hex-encoded p2tr output script.
	buf, err := hex.DecodeString(contractScript.Script)
	require.NoError(t, err)
	require.Len(t, buf, 34)
}

func TestDefaultHandlerCreateScriptErrors(t *testing.T) {
	h := handler.NewDefaultHandler()

	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{
			name:   "missing owner pubkey",
			mutate: func(p map[string]string) { delete(p, handler.ParamOwnerPubkey) },
		},
		{
			name:   "malformed signer pubkey",
			mutate: func(p map[string]string) { p[handler.ParamSignerPubkey] = "zzzz" },
		},
		{
			name:   "non-numeric exit delay",
			mutate: func(p map[string]string) { p[handler.ParamExitDelay] = "soon" },
		},
		{
			name:   "exit delay not a multiple of 512",
			mutate: func(p map[string]string) { p[handler.ParamExitDelay] = "3600" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := defaultParams(t)
			tt.mutate(params)
			_, err := h.CreateScript(params)
			require.Error(t, err)
		})
	}
}

func TestDefaultHandlerSpendablePaths(t *testing.T) {
	h := handler.NewDefaultHandler()
	params := defaultParams(t)
	contract := types.Contract{
		Type:   handler.DefaultContractType,
		Params: params,
		State:  types.ContractStateActive,
	}

	now := time.Now()

	t.Run("without a vtxo only the forfeit path is available", func(t *testing.T) {
		paths, err := h.GetSpendablePaths(contract, handler.PathContext{Now: now})
		require.NoError(t, err)
		require.Len(t, paths, 2)

		require.True(t, paths[0].Collaborative)
		require.True(t, paths[0].Available)
		require.False(t, paths[1].Collaborative)
		require.False(t, paths[1].Available)
	})

	t.Run("exit path unlocks after the delay", func(t *testing.T) {
		vtxo := &types.Vtxo{CreatedAt: now.Add(-2 * time.Hour)}
		paths, err := h.GetSpendablePaths(contract, handler.PathContext{Now: now, Vtxo: vtxo})
		require.NoError(t, err)
		require.True(t, paths[1].Available)
	})

	t.Run("exit path reports when it unlocks", func(t *testing.T) {
		created := now.Add(-10 * time.Minute)
		vtxo := &types.Vtxo{CreatedAt: created}
		paths, err := h.GetSpendablePaths(contract, handler.PathContext{Now: now, Vtxo: vtxo})
		require.NoError(t, err)
		require.False(t, paths[1].Available)
		require.Equal(t, created.Add(4096*time.Second), paths[1].AvailableAt)
	})
}

func TestDefaultHandlerSelectPath(t *testing.T) {
	h := handler.NewDefaultHandler()
	contract := types.Contract{
		Type:   handler.DefaultContractType,
		Params: defaultParams(t),
		State:  types.ContractStateActive,
	}

	now := time.Now()

	path, err := h.SelectPath(contract, handler.PathContext{
		Mode: handler.PathModeCollaborative, Now: now,
	})
	require.NoError(t, err)
	require.True(t, path.Collaborative)

	// Unilateral exit is locked until the delay elapses.
	_, err = h.SelectPath(contract, handler.PathContext{
		Mode: handler.PathModeUnilateral, Now: now,
		Vtxo: &types.Vtxo{CreatedAt: now},
	})
	require.Error(t, err)

	path, err = h.SelectPath(contract, handler.PathContext{
		Mode: handler.PathModeUnilateral, Now: now,
		Vtxo: &types.Vtxo{CreatedAt: now.Add(-2 * time.Hour)},
	})
	require.NoError(t, err)
	require.False(t, path.Collaborative)
}
