package party

import "time"

// Profile captures the subset of party data exposed via the public API layer.
// WalletAddress is the settlement address custody escrows are opened against;
// it is nil until the party links a wallet.
type Profile struct {
	ID            string
	Email         string
	Name          string
	Role          string
	WalletAddress *string
	CreatedAt     time.Time
}
