package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const walletColumns = `id, trading_mode, primary_wallet_id, balance, realized_pnl,
	trade_count, winning_count, losing_count, gross_profit, gross_loss, total_fees,
	created_date, updated_date`

// GetWalletState fetches the wallet row for a trading mode.
func (db *DB) GetWalletState(ctx context.Context, mode string) (*WalletState, error) {
	if !db.Connected() {
		return nil, ErrUnavailable
	}

	var w WalletState
	err := db.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM wallet_config WHERE trading_mode = $1`, walletColumns), mode).Scan(
		&w.ID, &w.TradingMode, &w.PrimaryWalletID, &w.Balance, &w.RealizedPnL,
		&w.TradeCount, &w.WinningCount, &w.LosingCount, &w.GrossProfit,
		&w.GrossLoss, &w.TotalFees, &w.CreatedDate, &w.UpdatedDate,
	)
	if err != nil {
		return nil, ErrNotFound
	}
	return &w, nil
}

// EnsureWalletConfig returns the wallet row id for a mode, creating the row
// when absent. trading_mode is unique so concurrent calls collapse.
func (db *DB) EnsureWalletConfig(ctx context.Context, mode string) (string, error) {
	if !db.Connected() {
		return "", ErrUnavailable
	}

	var id string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO wallet_config (id, trading_mode)
		VALUES ($1, $2)
		ON CONFLICT (trading_mode) DO UPDATE SET updated_date = NOW()
		RETURNING id`,
		uuid.NewString(), mode).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to ensure wallet config for %s: %w", mode, err)
	}
	return id, nil
}

// SetPrimaryWallet records the operator-selected primary wallet for a mode.
func (db *DB) SetPrimaryWallet(ctx context.Context, mode, walletID string) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE wallet_config SET primary_wallet_id = $2, updated_date = NOW()
		WHERE trading_mode = $1`, mode, walletID)
	if err != nil {
		return fmt.Errorf("failed to set primary wallet for %s: %w", mode, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWalletCounters overwrites the ledger-derived counters for a mode.
// Only the reconciler calls this.
func (db *DB) UpdateWalletCounters(ctx context.Context, mode string, w *WalletState) error {
	if !db.Connected() {
		return ErrUnavailable
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE wallet_config SET
			realized_pnl = $2, trade_count = $3, winning_count = $4,
			losing_count = $5, gross_profit = $6, gross_loss = $7,
			total_fees = $8, updated_date = NOW()
		WHERE trading_mode = $1`,
		mode, w.RealizedPnL, w.TradeCount, w.WinningCount,
		w.LosingCount, w.GrossProfit, w.GrossLoss, w.TotalFees)
	if err != nil {
		return fmt.Errorf("failed to update wallet counters for %s: %w", mode, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
