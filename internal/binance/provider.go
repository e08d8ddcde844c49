package binance

// Credentials pairs API keys with the endpoint they belong to.
type Credentials struct {
	APIKey    string
	SecretKey string
	BaseURL   string
}

// Provider hands out the right client for a trading mode. Both clients are
// constructed up front; an empty key pair still allows public market-data
// calls.
type Provider struct {
	mainnet *Client
	testnet *Client
}

func NewProvider(mainnet, testnet Credentials) *Provider {
	return &Provider{
		mainnet: NewClient(mainnet.APIKey, mainnet.SecretKey, mainnet.BaseURL),
		testnet: NewClient(testnet.APIKey, testnet.SecretKey, testnet.BaseURL),
	}
}

// ForMode returns the client for "testnet" or "mainnet". Unknown modes fall
// through to mainnet, matching how the rest of the system treats mode
// strings.
func (p *Provider) ForMode(mode string) *Client {
	if mode == "testnet" {
		return p.testnet
	}
	return p.mainnet
}
