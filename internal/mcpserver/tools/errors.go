package tools

import (
	"encoding/json"
	"fmt"

	"github.com/sdpbridge/mcp-broker/internal/brokererr"
)

// decodeArgs unmarshals a tool's raw arguments into dst, reporting failures
// as brokererr.KindInvalidParams rather than a bare JSON error — the shape
// ToolDispatcher's contract (§4.8 step 2) requires for schema violations.
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return brokererr.New(brokererr.KindInvalidParams, "missing arguments")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return brokererr.New(brokererr.KindInvalidParams, fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

// requireField reports a field-level InvalidParams error when value is
// empty, the common case of a caller omitting a mandatory argument.
func requireField(name, value string) error {
	if value == "" {
		return brokererr.New(brokererr.KindInvalidParams, "missing required field").WithFields([]string{name})
	}
	return nil
}
