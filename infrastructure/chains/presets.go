package chains

// Preset chain definitions with public endpoints. Applications should
// override the URL lists with their own providers; the defaults exist so the
// engine works out of the box.

// Ethereum returns the Ethereum mainnet preset.
func Ethereum() Chain {
	return Chain{
		ID:             1,
		Name:           "Ethereum",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		HTTPURLs: []string{
			"https://eth.llamarpc.com",
			"https://rpc.ankr.com/eth",
			"https://ethereum-rpc.publicnode.com",
		},
		WSURLs: []string{
			"wss://ethereum-rpc.publicnode.com",
		},
		ExplorerURL: "https://etherscan.io",
		Tokens: []Token{
			{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Name: "USD Coin", Decimals: 6},
			{Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Symbol: "USDT", Name: "Tether USD", Decimals: 6},
			{Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18},
			{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18},
		},
	}
}

// Polygon returns the Polygon PoS preset.
func Polygon() Chain {
	return Chain{
		ID:             137,
		Name:           "Polygon",
		NativeSymbol:   "POL",
		NativeDecimals: 18,
		HTTPURLs: []string{
			"https://polygon-rpc.com",
			"https://rpc.ankr.com/polygon",
		},
		WSURLs: []string{
			"wss://polygon-bor-rpc.publicnode.com",
		},
		ExplorerURL: "https://polygonscan.com",
		Tokens: []Token{
			{Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Symbol: "USDC", Name: "USD Coin", Decimals: 6},
			{Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Symbol: "USDT", Name: "Tether USD", Decimals: 6},
		},
	}
}

// ArbitrumOne returns the Arbitrum One preset.
func ArbitrumOne() Chain {
	return Chain{
		ID:             42161,
		Name:           "Arbitrum One",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		HTTPURLs: []string{
			"https://arb1.arbitrum.io/rpc",
			"https://rpc.ankr.com/arbitrum",
		},
		WSURLs: []string{
			"wss://arbitrum-one-rpc.publicnode.com",
		},
		ExplorerURL: "https://arbiscan.io",
		Tokens: []Token{
			{Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		},
	}
}

// Optimism returns the OP Mainnet preset.
func Optimism() Chain {
	return Chain{
		ID:             10,
		Name:           "OP Mainnet",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		HTTPURLs: []string{
			"https://mainnet.optimism.io",
			"https://rpc.ankr.com/optimism",
		},
		WSURLs: []string{
			"wss://optimism-rpc.publicnode.com",
		},
		ExplorerURL: "https://optimistic.etherscan.io",
	}
}

// Base returns the Base mainnet preset.
func Base() Chain {
	return Chain{
		ID:             8453,
		Name:           "Base",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		HTTPURLs: []string{
			"https://mainnet.base.org",
			"https://base-rpc.publicnode.com",
		},
		WSURLs: []string{
			"wss://base-rpc.publicnode.com",
		},
		ExplorerURL: "https://basescan.org",
	}
}

// Presets returns all built-in chains.
func Presets() []Chain {
	return []Chain{Ethereum(), Polygon(), ArbitrumOne(), Optimism(), Base()}
}

// DefaultRegistry builds a registry from the presets.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Presets()...)
	if err != nil {
		// Presets are compile-time data; a validation failure is a bug.
		panic(err)
	}
	return r
}
