package db

import (
	"context"
	"database/sql"
	"strings"
)

// GrantLedger records supporter grants in Postgres. It satisfies the room
// manager's GrantRecorder interface.
type GrantLedger struct {
	DB *sql.DB
}

// RecordGrant upserts one grant. A repeat grant for the same address
// refreshes the stored proof and amount.
func (l *GrantLedger) RecordGrant(ctx context.Context, address, proof string, amountUSD float64) error {
	q := `INSERT INTO supporter_grants(address, proof, amount_usd)
		  VALUES($1,$2,$3)
		  ON CONFLICT(address) DO UPDATE SET
		    proof=EXCLUDED.proof,
		    amount_usd=EXCLUDED.amount_usd,
		    updated_at=NOW()`
	_, err := l.DB.ExecContext(ctx, q, strings.ToLower(address), proof, amountUSD)
	return err
}

// LoadGrants returns all recorded grants as address -> proof, for reseeding
// the in-memory allow-list at startup.
func (l *GrantLedger) LoadGrants(ctx context.Context) (map[string]string, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT address, proof FROM supporter_grants`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var addr, proof string
		if err := rows.Scan(&addr, &proof); err != nil {
			return nil, err
		}
		out[addr] = proof
	}
	return out, rows.Err()
}
