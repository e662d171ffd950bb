package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NativeCurrency describes a chain's native asset (EIP-3085).
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// AddChainParams is the wallet_addEthereumChain parameter object. ChainID is
// normalized to a lowercase 0x-prefixed hex string.
type AddChainParams struct {
	ChainID           string          `json:"chainId"`
	ChainName         string          `json:"chainName"`
	RPCUrls           []string        `json:"rpcUrls"`
	NativeCurrency    *NativeCurrency `json:"nativeCurrency,omitempty"`
	BlockExplorerUrls []string        `json:"blockExplorerUrls,omitempty"`
}

// Normalize trims and lowercases the fields that participate in identity.
func (p *AddChainParams) Normalize() {
	p.ChainID = NormalizeChainID(p.ChainID)
	p.ChainName = strings.TrimSpace(p.ChainName)
	for i, u := range p.RPCUrls {
		p.RPCUrls[i] = strings.TrimSpace(u)
	}
	for i, u := range p.BlockExplorerUrls {
		p.BlockExplorerUrls[i] = strings.TrimSpace(u)
	}
}

// Validate checks the EIP-3085 shape requirements.
func (p AddChainParams) Validate() error {
	if !IsChainID(p.ChainID) {
		return fmt.Errorf("chainId must be a 0x-prefixed hex string: %q", p.ChainID)
	}
	if p.ChainName == "" {
		return fmt.Errorf("chainName is required")
	}
	if len(p.RPCUrls) == 0 {
		return fmt.Errorf("rpcUrls must not be empty")
	}
	for _, u := range p.RPCUrls {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("rpcUrls must not contain empty entries")
		}
	}
	return nil
}

// Equal reports deep equality after normalization. Used by the classifier:
// re-adding an identical chain never prompts, a changed record does.
func (p AddChainParams) Equal(other AddChainParams) bool {
	p.Normalize()
	other.Normalize()
	if p.ChainID != other.ChainID || p.ChainName != other.ChainName {
		return false
	}
	if !stringSlicesEqual(p.RPCUrls, other.RPCUrls) {
		return false
	}
	if !stringSlicesEqual(p.BlockExplorerUrls, other.BlockExplorerUrls) {
		return false
	}
	if (p.NativeCurrency == nil) != (other.NativeCurrency == nil) {
		return false
	}
	if p.NativeCurrency != nil && *p.NativeCurrency != *other.NativeCurrency {
		return false
	}
	return true
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SwitchChainParams is the wallet_switchEthereumChain parameter object.
type SwitchChainParams struct {
	ChainID string `json:"chainId"`
}

// WatchAssetOptions is the options object of wallet_watchAsset (EIP-747).
type WatchAssetOptions struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals,omitempty"`
	Image    string `json:"image,omitempty"`
}

// WatchAssetParams is the wallet_watchAsset parameter object.
type WatchAssetParams struct {
	Type    string            `json:"type"`
	Options WatchAssetOptions `json:"options"`
}

// NormalizeChainID lowercases and trims a chain id.
func NormalizeChainID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsChainID reports whether id is a non-empty lowercase 0x-prefixed hex
// string.
func IsChainID(id string) bool {
	if len(id) < 3 || !strings.HasPrefix(id, "0x") {
		return false
	}
	for _, c := range id[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// DecodeSingleParam decodes the first element of a JSON params array into
// out. Most wallet_ methods carry a single object parameter.
func DecodeSingleParam(params json.RawMessage, out any) error {
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return fmt.Errorf("params must be an array: %w", err)
	}
	if len(list) == 0 {
		return fmt.Errorf("params must not be empty")
	}
	if err := json.Unmarshal(list[0], out); err != nil {
		return fmt.Errorf("decode param: %w", err)
	}
	return nil
}
