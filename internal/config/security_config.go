package config

type SecurityLevel int

const (
	SecurityPublic SecurityLevel = iota // No authentication
	SecurityOwner                       // Token of a wallet owner
	SecuritySystem                      // Token with the system role (collaborator services)
)

// EndpointSecurityConfig maps HTTP route names to their required security level.
// Routes missing from the map are rejected.
var EndpointSecurityConfig = map[string]SecurityLevel{
	"health":  SecurityPublic,
	"metrics": SecurityPublic,

	"payout.request": SecurityOwner,
	"payout.get":     SecurityOwner,
	"payout.list":    SecurityOwner,
	"payout.cancel":  SecurityOwner,
	"wallet.get":     SecurityOwner,
	"wallet.entries": SecurityOwner,

	"internal.entries.record": SecuritySystem,
}

// GetSecurityLevel returns the security level of a named route. ok is false for
// routes that are not configured.
func GetSecurityLevel(routeName string) (level SecurityLevel, ok bool) {
	level, ok = EndpointSecurityConfig[routeName]
	return level, ok
}
