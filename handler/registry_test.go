package handler_test

import (
	"testing"

	"github.com/arkade-os/contract-sdk/handler"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := handler.NewRegistry(handler.NewDefaultHandler())

	h, err := registry.Get(handler.DefaultContractType)
	require.NoError(t, err)
	require.Equal(t, handler.DefaultContractType, h.Type())

	_, err = registry.Get("htlc")
	require.Error(t, err)

	require.Error(t, registry.Register(handler.NewDefaultHandler()))
	require.Equal(t, []string{handler.DefaultContractType}, registry.Types())
}
