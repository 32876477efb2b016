package services

import (
	"context"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
)

// Wallets renders wallet balances with their auto-recharge config.
type Wallets struct {
	Ledger       *Ledger
	AutoRecharge *AutoRecharge
}

// Balance returns the public wallet view. Accounts never credited report a
// zero balance and the default auto-recharge config.
func (s *Wallets) Balance(ctx context.Context, accountID string) (domain.WalletBalance, error) {
	w, err := s.Ledger.Wallet(ctx, accountID)
	if err != nil {
		return domain.WalletBalance{}, err
	}
	cfg, err := s.AutoRecharge.Get(ctx, accountID)
	if err != nil {
		return domain.WalletBalance{}, err
	}
	return domain.WalletBalance{
		AccountID:     accountID,
		AutoRecharge:  View(cfg),
		BalanceEUR:    money.ToEuros(w.BalanceMicros),
		BalanceMicros: w.BalanceMicros,
		Currency:      domain.Currency,
		LastTopupAt:   w.LastTopupAt,
	}, nil
}
