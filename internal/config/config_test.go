package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRiskParameters_Valid(t *testing.T) {
	params := DefaultRiskParameters()
	require.NoError(t, params.Validate())
}

func TestRiskParameters_RejectsOutOfBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RiskParameters)
	}{
		{"drawdown too high", func(p *RiskParameters) { p.MaxDrawdownPct = 0.9 }},
		{"drawdown too low", func(p *RiskParameters) { p.MaxDrawdownPct = 0.001 }},
		{"risk per trade too high", func(p *RiskParameters) { p.RiskPerTradePct = 0.5 }},
		{"zero positions per pair", func(p *RiskParameters) { p.MaxPositionsPerPair = 0 }},
		{"negative slippage", func(p *RiskParameters) { p.SlippageToleranceBps = -1 }},
		{"stop loss pips too small", func(p *RiskParameters) { p.DefaultStopLossPips = 1 }},
		{"atr multiplier too small", func(p *RiskParameters) { p.ATRMultiplierStopLoss = 0.1 }},
		{"no allowed pairs", func(p *RiskParameters) { p.AllowedPairs = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultRiskParameters()
			tt.mutate(&params)
			assert.Error(t, params.Validate())
		})
	}
}

func TestRiskParameters_AllowsPair(t *testing.T) {
	params := DefaultRiskParameters()
	assert.True(t, params.AllowsPair("EUR_USD"))
	assert.True(t, params.AllowsPair("eur_usd"))
	assert.False(t, params.AllowsPair("BTC_USD"))
}

func TestConfig_ValidateRejectsNonPositivePipValue(t *testing.T) {
	cfg := Load()
	cfg.Broker.Name = "oanda"
	cfg.Broker.Oanda.AccessToken = "token"
	cfg.Broker.Oanda.AccountID = "001-001-1234567-001"
	cfg.Broker.Oanda.Environment = "practice"
	require.NoError(t, cfg.Validate())

	cfg.Engine.PipValuePerLot = 0
	assert.Error(t, cfg.Validate())

	cfg.Engine.PipValuePerLot = -10
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateBrokerSelection(t *testing.T) {
	cfg := Load()
	cfg.Broker.Name = "oanda"
	cfg.Broker.Oanda.AccessToken = ""
	assert.Error(t, cfg.Validate())

	cfg.Broker.Oanda.AccessToken = "token"
	cfg.Broker.Oanda.AccountID = "001-001-1234567-001"
	cfg.Broker.Oanda.Environment = "practice"
	assert.NoError(t, cfg.Validate())

	cfg.Broker.Oanda.Environment = "sandbox"
	assert.Error(t, cfg.Validate())

	cfg.Broker.Name = "ib"
	assert.Error(t, cfg.Validate())
}
