// Package tenant describes the identity of one end customer of the broker:
// its data center, upstream base URL, instance segment, and granted scopes.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DataCenter identifies the Zoho identity-provider region a tenant was
// onboarded against. It is fixed at onboarding and never silently changed.
type DataCenter string

const (
	DataCenterUS DataCenter = "US"
	DataCenterEU DataCenter = "EU"
	DataCenterIN DataCenter = "IN"
	DataCenterAU DataCenter = "AU"
	DataCenterJP DataCenter = "JP"
	DataCenterUK DataCenter = "UK"
	DataCenterCA DataCenter = "CA"
	DataCenterCN DataCenter = "CN"
)

var accountsTLD = map[DataCenter]string{
	DataCenterUS: "com",
	DataCenterEU: "eu",
	DataCenterIN: "in",
	DataCenterAU: "com.au",
	DataCenterJP: "jp",
	DataCenterUK: "uk",
	DataCenterCA: "zohocloud.ca",
	DataCenterCN: "com.cn",
}

var ErrUnknownDataCenter = errors.New("tenant: unknown data center")

// Valid reports whether dc is one of the eight data centers the broker
// knows how to resolve an identity-provider endpoint for.
func (dc DataCenter) Valid() bool {
	_, ok := accountsTLD[dc]
	return ok
}

// AccountsTokenURL returns the Zoho accounts token endpoint for this data
// center, e.g. https://accounts.zoho.com/oauth/v2/token.
func (dc DataCenter) AccountsTokenURL() (string, error) {
	tld, ok := accountsTLD[dc]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDataCenter, dc)
	}
	return fmt.Sprintf("https://accounts.zoho.%s/oauth/v2/token", tld), nil
}

// Scope is a capability grant attached to a tenant's refresh token. Tools
// declare the subset of scopes they require; ToolDispatcher hides and
// rejects tools whose required scopes are not granted.
type Scope string

// Tenant is the identity of one end customer. It is created on first
// successful auth-code exchange and destroyed explicitly by an operator.
// The tenant id is stable for the credential pair's lifetime; DataCenter and
// BaseURL are set at onboarding and must never be silently changed.
type Tenant struct {
	ID         string
	DataCenter DataCenter
	BaseURL    string
	Instance   string
	Scopes     map[Scope]struct{}
	Name       string
	Email      string
}

// HasScope reports whether the tenant's grant includes every scope in want.
func (t *Tenant) HasScope(want ...Scope) bool {
	for _, s := range want {
		if _, ok := t.Scopes[s]; !ok {
			return false
		}
	}
	return true
}

// DeriveID computes the stable opaque tenant id from the identity
// provider's client id. The id is a hash, never the raw client id, so it is
// safe to use as a log field, map key, or storage key without leaking the
// credential itself.
func DeriveID(clientID string) string {
	sum := sha256.Sum256([]byte("sdp-tenant-id:" + clientID))
	return hex.EncodeToString(sum[:])[:32]
}

// RequestURL builds the v3 REST base path for this tenant:
// {base_url}/app/{instance}/api/v3.
func (t *Tenant) RequestURL() string {
	return fmt.Sprintf("%s/app/%s/api/v3", t.BaseURL, t.Instance)
}
