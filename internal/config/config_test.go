package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validKey() string {
	return strings.Repeat("ab", 32)
}

func TestValidateRequiresMasterKey(t *testing.T) {
	cfg := &Config{DefaultDataCenter: "US", RateLimitPerMinute: 1, RateLimitPerHour: 2, RateLimitPerDay: 3}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrMissingMasterKey)
}

func TestValidateRejectsWrongLengthMasterKey(t *testing.T) {
	cfg := &Config{MasterKeyHex: "abcd", DefaultDataCenter: "US", RateLimitPerMinute: 1, RateLimitPerHour: 2, RateLimitPerDay: 3}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestValidateRejectsUnknownDataCenter(t *testing.T) {
	cfg := &Config{MasterKeyHex: validKey(), DefaultDataCenter: "ZZ", RateLimitPerMinute: 1, RateLimitPerHour: 2, RateLimitPerDay: 3}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidDataCenter)
}

func TestValidateRejectsUnpairedTLSFiles(t *testing.T) {
	cfg := &Config{MasterKeyHex: validKey(), DefaultDataCenter: "US", TLSCertFile: "cert.pem", RateLimitPerMinute: 1, RateLimitPerHour: 2, RateLimitPerDay: 3}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrTLSFilePair)
}

func TestValidateRejectsOutOfOrderRateLimits(t *testing.T) {
	cfg := &Config{MasterKeyHex: validKey(), DefaultDataCenter: "US", RateLimitPerMinute: 100, RateLimitPerHour: 50, RateLimitPerDay: 200}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidRateOrder)
}

func TestValidatePassesWithWellFormedConfig(t *testing.T) {
	cfg := &Config{
		MasterKeyHex:       validKey(),
		DefaultDataCenter:  "EU",
		RateLimitPerMinute: 120,
		RateLimitPerHour:   3000,
		RateLimitPerDay:    20000,
	}
	require.NoError(t, cfg.Validate())
}

func TestMasterKeyDecodesTo32Bytes(t *testing.T) {
	cfg := &Config{MasterKeyHex: validKey()}
	key, err := cfg.MasterKey()
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestAddrFormatsHostPort(t *testing.T) {
	cfg := &Config{ListenHost: "127.0.0.1", ListenPort: 9090}
	require.Equal(t, "127.0.0.1:9090", cfg.Addr())
}

func TestTLSEnabledRequiresBothFiles(t *testing.T) {
	cfg := &Config{}
	require.False(t, cfg.TLSEnabled())
	cfg.TLSCertFile = "cert.pem"
	require.False(t, cfg.TLSEnabled())
	cfg.TLSKeyFile = "key.pem"
	require.True(t, cfg.TLSEnabled())
}

func TestCallLimitsRendersRateCoordLimits(t *testing.T) {
	cfg := &Config{RateLimitPerMinute: 10, RateLimitPerHour: 20, RateLimitPerDay: 30}
	limits := cfg.CallLimits()
	require.Equal(t, 10, limits.PerMinute)
	require.Equal(t, 20, limits.PerHour)
	require.Equal(t, 30, limits.PerDay)
}
