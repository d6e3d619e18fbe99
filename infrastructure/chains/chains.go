// Package chains holds static per-chain configuration and the registry that
// hands out chain-scoped lookups. Chain data is configuration, not state:
// nothing here talks to the network.
package chains

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// addressPattern matches a 20-byte hex address, case-insensitive.
var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a well-formed EVM address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lowercases an address for use as a map key.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}

// Token is a known ERC-20 token on a chain.
type Token struct {
	Address  string `json:"address" yaml:"address"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// Chain is the static configuration of one EVM network. Endpoint slices are
// ordered by priority; index 0 is tried first.
type Chain struct {
	ID             uint64   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	NativeSymbol   string   `json:"native_symbol" yaml:"native_symbol"`
	NativeDecimals int      `json:"native_decimals" yaml:"native_decimals"`
	HTTPURLs       []string `json:"http_urls" yaml:"http_urls"`
	WSURLs         []string `json:"ws_urls" yaml:"ws_urls"`
	Tokens         []Token  `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	ExplorerURL    string   `json:"explorer_url,omitempty" yaml:"explorer_url,omitempty"`
}

// Validate checks a chain definition for configuration mistakes.
func (c *Chain) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("chain id must be non-zero")
	}
	if c.Name == "" {
		return fmt.Errorf("chain %d: name required", c.ID)
	}
	if c.NativeSymbol == "" {
		return fmt.Errorf("chain %d: native symbol required", c.ID)
	}
	if c.NativeDecimals <= 0 {
		c.NativeDecimals = 18
	}
	if len(c.HTTPURLs) == 0 && len(c.WSURLs) == 0 {
		return fmt.Errorf("chain %d: at least one endpoint URL required", c.ID)
	}
	for _, u := range c.HTTPURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("chain %d: %q is not an http(s) url", c.ID, u)
		}
	}
	for _, u := range c.WSURLs {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("chain %d: %q is not a ws(s) url", c.ID, u)
		}
	}
	for _, tok := range c.Tokens {
		if !ValidAddress(tok.Address) {
			return fmt.Errorf("chain %d: token %s has invalid address %q", c.ID, tok.Symbol, tok.Address)
		}
	}
	return nil
}

// HasWS reports whether WS endpoints are configured.
func (c *Chain) HasWS() bool {
	return len(c.WSURLs) > 0
}

// TokenByAddress looks up a configured token by address.
func (c *Chain) TokenByAddress(addr string) (Token, bool) {
	want := NormalizeAddress(addr)
	for _, t := range c.Tokens {
		if NormalizeAddress(t.Address) == want {
			return t, true
		}
	}
	return Token{}, false
}

// Registry resolves chain IDs to configuration.
type Registry struct {
	mu     sync.RWMutex
	chains map[uint64]*Chain
}

// NewRegistry builds a registry from the given chains.
func NewRegistry(list ...Chain) (*Registry, error) {
	r := &Registry{chains: make(map[uint64]*Chain, len(list))}
	for i := range list {
		c := list[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.chains[c.ID]; dup {
			return nil, fmt.Errorf("duplicate chain id %d", c.ID)
		}
		r.chains[c.ID] = &c
	}
	return r, nil
}

// Get returns the chain for an ID.
func (r *Registry) Get(chainID uint64) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[chainID]
	if !ok {
		return nil, apperrors.UnsupportedChain(chainID)
	}
	return c, nil
}

// Supported reports whether an ID is configured.
func (r *Registry) Supported(chainID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chains[chainID]
	return ok
}

// All returns every configured chain, ordered by ID.
func (r *Registry) All() []*Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register adds a chain after construction.
func (r *Registry) Register(c Chain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.chains[c.ID]; dup {
		return fmt.Errorf("duplicate chain id %d", c.ID)
	}
	r.chains[c.ID] = &c
	return nil
}

// LoadFile reads chain definitions from a YAML or JSON file.
func LoadFile(path string) ([]Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains config: %w", err)
	}
	var wrapper struct {
		Chains []Chain `json:"chains" yaml:"chains"`
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("parse chains config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("parse chains config: %w", err)
		}
	}
	if len(wrapper.Chains) == 0 {
		return nil, fmt.Errorf("no chains configured in %s", path)
	}
	return wrapper.Chains, nil
}
