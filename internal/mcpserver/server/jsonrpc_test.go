package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdpbridge/mcp-broker/internal/brokererr"
)

func TestIsNotificationWhenIDAbsentOrNull(t *testing.T) {
	require.True(t, (&JSONRPCRequest{}).IsNotification())
	require.True(t, (&JSONRPCRequest{ID: json.RawMessage("null")}).IsNotification())
	require.False(t, (&JSONRPCRequest{ID: json.RawMessage("1")}).IsNotification())
}

func TestErrorToResponseTranslatesBrokerError(t *testing.T) {
	be := brokererr.New(brokererr.KindForbiddenByScope, "nope")
	resp := errorToResponse(json.RawMessage("1"), be)

	require.NotNil(t, resp.Error)
	require.Equal(t, -32001, resp.Error.Code)
	require.Equal(t, "nope", resp.Error.Message)
}

func TestErrorToResponseHidesUnclassifiedErrorDetail(t *testing.T) {
	resp := errorToResponse(json.RawMessage("1"), errors.New("pq: connection refused on internal host"))

	require.NotNil(t, resp.Error)
	require.Equal(t, InternalError, resp.Error.Code)
	require.Equal(t, "internal error", resp.Error.Message)
	require.NotContains(t, resp.Error.Message, "pq:")
}

func TestNewResultMarshalsPayload(t *testing.T) {
	resp := newResult(json.RawMessage("7"), map[string]string{"ok": "yes"})
	require.Equal(t, "2.0", resp.JSONRPC)
	require.JSONEq(t, `{"ok":"yes"}`, string(resp.Result))
	require.Nil(t, resp.Error)
}
