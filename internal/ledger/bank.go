package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// balanceOf returns a copy of the balance of addr. Callers hold l.mu.
func (l *Ledger) balanceOf(addr common.Address) *big.Int {
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Balance returns the free balance held for addr.
func (l *Ledger) Balance(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceOf(addr)
}

// Escrow returns the total staked and not yet paid out.
func (l *Ledger) Escrow() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.escrow)
}

// Deposit credits amount to the balance of to. Owner only.
func (l *Ledger) Deposit(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.policy.Owner {
		return fmt.Errorf("ledger: deposit: %w", domain.ErrNotOwner)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: deposit: %w", domain.ErrInvalidAmount)
	}
	newBal := new(big.Int).Add(l.balanceOf(to), amount)
	ev := domain.Event{
		Kind:    domain.EventDeposit,
		Account: addrPtr(to),
		Amount:  new(big.Int).Set(amount),
	}
	entry := domain.JournalEntry{
		Balances: []domain.AccountBalance{{Address: to, Balance: new(big.Int).Set(newBal)}},
	}
	return l.commit(ctx, ev, entry, func() {
		l.balances[to] = newBal
	})
}

// Withdraw moves amount out of the caller's free balance and out of the
// ledger through the transfer hook.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: withdraw: %w", domain.ErrInvalidAmount)
	}
	bal := l.balanceOf(caller)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: withdraw: have %s need %s: %w", bal, amount, domain.ErrInsufficientBalance)
	}
	if err := l.transfer(ctx, caller, amount); err != nil {
		return fmt.Errorf("ledger: withdraw: %w", err)
	}
	newBal := bal.Sub(bal, amount)
	ev := domain.Event{
		Kind:    domain.EventWithdrawal,
		Account: addrPtr(caller),
		Amount:  new(big.Int).Set(amount),
	}
	entry := domain.JournalEntry{
		Balances: []domain.AccountBalance{{Address: caller, Balance: new(big.Int).Set(newBal)}},
	}
	err := l.commit(ctx, ev, entry, func() {
		l.balances[caller] = newBal
	})
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "withdrawal", slog.String("account", caller.Hex()), slog.String("amount", amount.String()))
	return nil
}
