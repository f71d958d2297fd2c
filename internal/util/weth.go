package util

import "github.com/ethereum/go-ethereum/common"

// WETHRegistry maps a chain name to its canonical wrapped-native token
// address, so callers that receive a native-input swap intent can
// normalize it to the wrapped address before looking up pools.
type WETHRegistry struct {
	byChain map[string]common.Address
}

// NewWETHRegistry builds a registry from a chain -> address map. Chain keys
// are stored as given, so lookups are case-sensitive.
func NewWETHRegistry(addrs map[string]string) *WETHRegistry {
	r := &WETHRegistry{byChain: make(map[string]common.Address, len(addrs))}
	for chain, addr := range addrs {
		r.byChain[chain] = common.HexToAddress(addr)
	}
	return r
}

// WrappedNative returns the wrapped-native address for chain and whether one
// is configured.
func (r *WETHRegistry) WrappedNative(chain string) (common.Address, bool) {
	addr, ok := r.byChain[chain]
	return addr, ok
}

// Normalize replaces token with the chain's wrapped-native address when
// isNativeInput is set, leaving token unchanged otherwise.
func (r *WETHRegistry) Normalize(chain string, token common.Address, isNativeInput bool) common.Address {
	if !isNativeInput {
		return token
	}
	if wrapped, ok := r.byChain[chain]; ok {
		return wrapped
	}
	return token
}
