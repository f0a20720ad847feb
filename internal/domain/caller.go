package domain

import "github.com/ethereum/go-ethereum/common"

// Role is the capability a caller holds.
type Role string

const (
	RoleUser    Role = "user"
	RoleRelayer Role = "relayer"
)

// Caller identifies who is invoking a service operation. User callers are
// established by a verified wallet signature; the relayer role is held only
// by the relay's own internal components.
type Caller struct {
	Address common.Address
	Role    Role
}

// UserCaller returns a caller acting for its own wallet.
func UserCaller(addr common.Address) Caller {
	return Caller{Address: addr, Role: RoleUser}
}

// RelayerCaller returns the relayer capability.
func RelayerCaller(addr common.Address) Caller {
	return Caller{Address: addr, Role: RoleRelayer}
}

// IsRelayer reports whether the caller holds the relayer capability.
func (c Caller) IsRelayer() bool { return c.Role == RoleRelayer }

// Owns reports whether the caller is the wallet behind ref.
func (c Caller) Owns(ref AccountRef) bool {
	return c.Role == RoleUser && c.Address == ref.Address
}
