package ether_test

import (
	"testing"

	"github.com/jserv/nstack/internal/ether"
	"github.com/stretchr/testify/require"
)

func TestFCS_IsDeterministicAndSensitiveToInput(t *testing.T) {
	t.Parallel()
	a := []byte("hello, nstack")
	b := []byte("hello, nstacK")

	require.Equal(t, ether.FCS(a), ether.FCS(a))
	require.NotEqual(t, ether.FCS(a), ether.FCS(b))
}

func TestFCS_EmptyInput(t *testing.T) {
	t.Parallel()
	require.NotPanics(t, func() { ether.FCS(nil) })
}
