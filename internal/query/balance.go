package query

import "time"

// BalanceResponse is the custody view of the escrow wallet.
//
// AvailableBalance = WalletBalance - HeldAmount, where HeldAmount sums locks
// that still hold a player's stake. OwedAmount sums committed transfers
// (payouts and refunds) not yet confirmed on the network; they are still in
// the wallet. FreeBalance is what remains after both, i.e. collected fees.
type BalanceResponse struct {
	WalletBalance    int64 `json:"wallet_balance"`
	HeldAmount       int64 `json:"held_amount"`
	OwedAmount       int64 `json:"owed_amount"`
	AvailableBalance int64 `json:"available_balance"`
	FreeBalance      int64 `json:"free_balance"`

	// Decimal renderings in major units
	Wallet    string `json:"wallet"`
	Held      string `json:"held"`
	Owed      string `json:"owed"`
	Available string `json:"available"`

	// CustodyOK is false when committed funds exceed the wallet.
	CustodyOK bool      `json:"custody_ok"`
	AsOf      time.Time `json:"as_of"`
}
