package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tickerd/internal/domain"
)

// SyncCatalog makes the providers and instruments tables mirror the
// configuration. Rows that disappeared from the config are kept but marked
// inactive so historical records keep their provenance.
func (s *Store) SyncCatalog(ctx context.Context, providers []domain.Provider, instruments []domain.Instrument) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE providers SET active = 0`); err != nil {
			return fmt.Errorf("deactivating providers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE instruments SET active = 0`); err != nil {
			return fmt.Errorf("deactivating instruments: %w", err)
		}

		provQ := tx.Rebind(`
INSERT INTO providers (name, kind, base_url, rate_per_sec, burst, active)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
  kind = excluded.kind,
  base_url = excluded.base_url,
  rate_per_sec = excluded.rate_per_sec,
  burst = excluded.burst,
  active = excluded.active`)
		for _, p := range providers {
			_, err := tx.ExecContext(ctx, provQ,
				p.Name, string(p.Kind), p.BaseURL, p.RatePer, p.Burst, boolToInt(p.Active))
			if err != nil {
				return fmt.Errorf("syncing provider %s: %w", p.Name, err)
			}
		}

		instQ := tx.Rebind(`
INSERT INTO instruments (symbol, provider, provider_symbol, asset_class, base_currency, quote_currency, active)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol) DO UPDATE SET
  provider_symbol = excluded.provider_symbol,
  asset_class = excluded.asset_class,
  base_currency = excluded.base_currency,
  quote_currency = excluded.quote_currency,
  active = excluded.active`)
		for _, in := range instruments {
			_, err := tx.ExecContext(ctx, instQ,
				in.Symbol, in.Provider, in.ProviderSymbol, string(in.AssetClass),
				in.BaseCurrency, in.QuoteCurrency, boolToInt(in.Active))
			if err != nil {
				return fmt.Errorf("syncing instrument %s/%s: %w", in.Provider, in.Symbol, err)
			}
		}
		return nil
	})
}

// ListInstruments returns instruments for one provider, or all providers
// when provider is empty. Inactive instruments are included; callers filter.
func (s *Store) ListInstruments(ctx context.Context, provider string) ([]domain.Instrument, error) {
	q := `
SELECT symbol, provider, provider_symbol, asset_class, base_currency, quote_currency, active FROM instruments`
	var args []any
	if provider != "" {
		q += ` WHERE provider = ?`
		args = append(args, provider)
	}
	q += ` ORDER BY provider, symbol`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("listing instruments: %w", err)
	}
	defer rows.Close()

	var insts []domain.Instrument
	for rows.Next() {
		var (
			in     domain.Instrument
			class  string
			active int
		)
		if err := rows.Scan(&in.Symbol, &in.Provider, &in.ProviderSymbol, &class,
			&in.BaseCurrency, &in.QuoteCurrency, &active); err != nil {
			return nil, fmt.Errorf("scanning instrument: %w", err)
		}
		in.AssetClass = domain.AssetClass(class)
		in.Active = active != 0
		insts = append(insts, in)
	}
	return insts, rows.Err()
}
