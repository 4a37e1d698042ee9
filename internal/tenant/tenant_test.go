package tenant

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveIDIsStableAndOpaque(t *testing.T) {
	id1 := DeriveID("client-abc")
	id2 := DeriveID("client-abc")
	require.Equal(t, id1, id2)
	require.NotContains(t, id1, "client-abc")
	require.Len(t, id1, 32)
}

func TestDeriveIDDiffersPerClient(t *testing.T) {
	require.NotEqual(t, DeriveID("client-a"), DeriveID("client-b"))
}

func TestAccountsTokenURLPerDataCenter(t *testing.T) {
	cases := map[DataCenter]string{
		DataCenterUS: "https://accounts.zoho.com/oauth/v2/token",
		DataCenterEU: "https://accounts.zoho.eu/oauth/v2/token",
		DataCenterIN: "https://accounts.zoho.in/oauth/v2/token",
		DataCenterAU: "https://accounts.zoho.com.au/oauth/v2/token",
		DataCenterCA: "https://accounts.zoho.zohocloud.ca/oauth/v2/token",
	}
	for dc, want := range cases {
		url, err := dc.AccountsTokenURL()
		require.NoError(t, err)
		require.Equal(t, want, url)
	}
}

func TestAccountsTokenURLRejectsUnknownDataCenter(t *testing.T) {
	_, err := DataCenter("XX").AccountsTokenURL()
	require.ErrorIs(t, err, ErrUnknownDataCenter)
}

func TestDataCenterValid(t *testing.T) {
	require.True(t, DataCenterUS.Valid())
	require.False(t, DataCenter("XX").Valid())
}

func TestRequestURL(t *testing.T) {
	tn := &Tenant{BaseURL: "https://sdpondemand.manageengine.com", Instance: "acme"}
	require.Equal(t, "https://sdpondemand.manageengine.com/app/acme/api/v3", tn.RequestURL())
}

func TestHasScope(t *testing.T) {
	tn := &Tenant{Scopes: DefaultScopes()}
	require.True(t, tn.HasScope(ScopeRequestsRead, ScopeNotesWrite))
	require.False(t, tn.HasScope(ScopeRequestsRead, Scope("unknown:scope")))
}

func TestDefaultScopesGrantsExpectedSet(t *testing.T) {
	scopes := DefaultScopes()
	for _, want := range []Scope{ScopeRequestsRead, ScopeRequestsWrite, ScopeNotesWrite, ScopeMetadataRead, ScopeTechniciansRead} {
		_, ok := scopes[want]
		require.True(t, ok, "expected default scope %s", want)
	}
}
