package sandbox

import (
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// DefaultCapabilities mirrors configs/rails.yaml. Tests and local runs use
// it when no catalog file is configured.
func DefaultCapabilities() map[rail.ID]rail.Capabilities {
	d := decimal.RequireFromString
	return map[rail.ID]rail.Capabilities{
		rail.CircleUSDC: {
			Currencies:            []string{"USD", "USDC"},
			DestinationCurrencies: []string{"USD", "USDC"},
			MinAmount:             d("0.01"),
			MaxAmount:             d("1000000"),
			EstimatedTimeSeconds:  5,
			FeePercentage:         d("0.1"),
			Sandbox:               true,
		},
		rail.Pix: {
			Currencies:            []string{"USD", "USDC", "BRL"},
			DestinationCurrencies: []string{"BRL"},
			Countries:             []string{"BR"},
			MinAmount:             d("1"),
			MaxAmount:             d("50000"),
			EstimatedTimeSeconds:  10,
			FeePercentage:         d("0.5"),
			Sandbox:               true,
		},
		rail.SPEI: {
			Currencies:            []string{"USD", "USDC", "MXN"},
			DestinationCurrencies: []string{"MXN"},
			Countries:             []string{"MX"},
			MinAmount:             d("1"),
			MaxAmount:             d("50000"),
			EstimatedTimeSeconds:  30,
			FeePercentage:         d("0.4"),
			Sandbox:               true,
		},
		rail.Wire: {
			Currencies:            []string{"USD", "EUR"},
			DestinationCurrencies: []string{"USD", "EUR", "BRL", "MXN"},
			MinAmount:             d("100"),
			EstimatedTimeSeconds:  86400,
			FeePercentage:         d("1.0"),
			Sandbox:               true,
		},
		rail.Internal: {
			Currencies:           []string{"USD", "USDC"},
			MinAmount:            d("0.01"),
			EstimatedTimeSeconds: 1,
			FeePercentage:        decimal.Zero,
			Sandbox:              true,
		},
	}
}

// NewRegistry builds a registry with a sandbox adapter for every rail in
// caps, all sharing n.
func NewRegistry(n *Network, caps map[rail.ID]rail.Capabilities) (*rail.Registry, error) {
	adapters := make([]rail.Adapter, 0, len(caps))
	for _, id := range rail.AllIDs {
		c, ok := caps[id]
		if !ok {
			continue
		}
		a, err := New(id, n, c)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return rail.NewRegistry(adapters...)
}
