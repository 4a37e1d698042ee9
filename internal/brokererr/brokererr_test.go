package brokererr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONRPCCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		KindMethodNotFound:     -32601,
		KindInvalidParams:      -32602,
		KindForbiddenByScope:   -32001,
		KindNeedsReauth:        -32002,
		KindRateLimited:        -32003,
		KindCircuitOpen:        -32004,
		KindUpstreamValidation: -32005,
		KindUpstreamPermission: -32006,
		KindUpstreamNotFound:   -32007,
		KindUpstreamServer:     -32008,
		KindNetwork:            -32009,
		KindInternal:           -32010,
	}
	for kind, code := range cases {
		err := New(kind, "boom")
		require.Equal(t, code, err.JSONRPCCode(), "kind %s", kind)
	}
}

func TestJSONRPCCodeFallsBackToInternal(t *testing.T) {
	err := &Error{Kind: Kind("SomethingUnmapped"), Message: "x"}
	require.Equal(t, jsonrpcCode[KindInternal], err.JSONRPCCode())
}

func TestOnlyNetworkIsRetryable(t *testing.T) {
	require.True(t, New(KindNetwork, "x").Retryable())
	for _, k := range []Kind{KindUpstreamValidation, KindUpstreamPermission, KindRateLimited, KindCircuitOpen, KindNeedsReauth, KindForbiddenByScope, KindInvalidParams, KindMethodNotFound, KindUpstreamNotFound, KindUpstreamServer, KindInternal} {
		require.False(t, New(k, "x").Retryable(), "kind %s must not be retryable", k)
	}
}

func TestBuilderMethodsAttachFields(t *testing.T) {
	err := New(KindRateLimited, "too fast").
		WithRetryAfter(12.5).
		WithFields([]string{"priority"}).
		WithSetupURL("https://example.com/setup")

	require.Equal(t, 12.5, err.RetryAfter)
	require.Equal(t, []string{"priority"}, err.Fields)
	require.Equal(t, "https://example.com/setup", err.SetupURL)

	data := err.JSONRPCData()
	require.Contains(t, string(data), `"retry_after_seconds":12.5`)
	require.Contains(t, string(data), `"priority"`)
}

func TestErrorStringIncludesKindAndMessage(t *testing.T) {
	err := New(KindUpstreamNotFound, "request 123 not found")
	require.Equal(t, "UpstreamNotFound: request 123 not found", err.Error())
}
