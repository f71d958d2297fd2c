// Package bridgerouter implements the cross-chain bridge routing factory
// the initialization facade brings up after MEV providers exist to route
// through: a chain-keyed registry of bridge protocol clients.
package bridgerouter

import "fmt"

// Protocol identifies a supported bridge protocol.
type Protocol string

// Route describes one available bridge path: protocol, source chain,
// destination chain.
type Route struct {
	Protocol Protocol
	FromChain string
	ToChain   string
}

// ProviderSource is the minimal view of the MEV provider factory the bridge
// router needs: which chains currently have a provider, since a bridge leg
// can only be routed through a chain the engine can also submit on.
type ProviderSource interface {
	Chains() []string
}

// Router holds the factory-built set of available routes, keyed by
// protocol and by chain.
type Router struct {
	routesByProtocol map[Protocol][]Route
	chainKeys        map[string]bool
}

// NewRouter builds a Router for protocols available across the chains
// providers exist for. Requires at least one provider chain; returns an
// error tagged bridge-router:<reason> otherwise.
func NewRouter(providers ProviderSource, protocols []Protocol) (*Router, error) {
	chains := providers.Chains()
	if len(chains) == 0 {
		return nil, fmt.Errorf("bridge-router:no_providers_available")
	}

	router := &Router{
		routesByProtocol: make(map[Protocol][]Route),
		chainKeys:        make(map[string]bool, len(chains)),
	}
	for _, chain := range chains {
		router.chainKeys[chain] = true
	}

	for _, protocol := range protocols {
		var routes []Route
		for _, from := range chains {
			for _, to := range chains {
				if from == to {
					continue
				}
				routes = append(routes, Route{Protocol: protocol, FromChain: from, ToChain: to})
			}
		}
		router.routesByProtocol[protocol] = routes
	}

	return router, nil
}

// AvailableProtocols returns every protocol this router has at least one
// route for.
func (r *Router) AvailableProtocols() []Protocol {
	protocols := make([]Protocol, 0, len(r.routesByProtocol))
	for p, routes := range r.routesByProtocol {
		if len(routes) == 0 {
			continue
		}
		protocols = append(protocols, p)
	}
	return protocols
}

// ChainKeys returns every chain this router can bridge through.
func (r *Router) ChainKeys() []string {
	chains := make([]string, 0, len(r.chainKeys))
	for c := range r.chainKeys {
		chains = append(chains, c)
	}
	return chains
}

// RoutesFor returns the routes available for protocol.
func (r *Router) RoutesFor(protocol Protocol) []Route {
	return r.routesByProtocol[protocol]
}
