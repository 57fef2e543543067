/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package principal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsExternalMarker(t *testing.T) {
	require.Equal(t, "A1", Normalize("ext:A1"))
	require.Equal(t, "A1", Normalize("A1"))
	require.Equal(t, "sys:asyncgate-core", Normalize("sys:asyncgate-core"))
}

func TestIsInternalID(t *testing.T) {
	require.True(t, IsInternalID("sys:anything"))
	require.True(t, IsInternalID("svc:asyncgate"))
	require.False(t, IsInternalID("agent-1"))
	require.False(t, IsInternalID("system"))
}

func TestResolveObligationOwner(t *testing.T) {
	// A plain agent owns its own obligations.
	owner := ResolveObligationOwner(Principal{Kind: KindAgent, ID: "A1"})
	require.Equal(t, Principal{Kind: KindAgent, ID: "A1"}, owner)

	// The ext: marker is stripped during resolution.
	owner = ResolveObligationOwner(Principal{Kind: KindAgent, ID: "ext:A1"})
	require.Equal(t, "A1", owner.ID)

	// The canonical system creator resolves to the System principal.
	owner = ResolveObligationOwner(Principal{Kind: KindService, ID: SystemID})
	require.Equal(t, System, owner)
}
