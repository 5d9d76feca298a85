package domain

// MigrationDestination selects where a migrated position goes.
type MigrationDestination string

const (
	DestinationToVault MigrationDestination = "to_vault"
	DestinationToOrder MigrationDestination = "to_order"
)

// Valid reports whether d is a known destination.
func (d MigrationDestination) Valid() bool {
	return d == DestinationToVault || d == DestinationToOrder
}

// MigrationRequest asks the engine to move one lending-protocol position.
type MigrationRequest struct {
	UserAddress      string               `json:"userAddress"`
	SourcePosition   Position             `json:"sourcePosition"`
	Destination      MigrationDestination `json:"destination"`
	TargetToken      string               `json:"targetToken,omitempty"`
	InterestRateMode InterestRateMode     `json:"interestRateMode,omitempty"`
}

// MigrationResult reports the outcome of a migration. On failure no artifact
// is set and Error describes why.
type MigrationResult struct {
	Success       bool           `json:"success"`
	Order         *Order         `json:"order,omitempty"`
	VaultPosition *VaultPosition `json:"vaultPosition,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
}

// MigrationCheck is the answer to "can this position be migrated".
type MigrationCheck struct {
	CanMigrate bool   `json:"canMigrate"`
	Reason     string `json:"reason,omitempty"`
}
