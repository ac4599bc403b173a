package phonestore

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib"
	"whatsbox-server/internal/model"
)

// Postgres stores phone rows in a connected_phones table, one row per
// sender identity. No multi-row transactions are needed.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres using the given DSN. Caller must call Close
// when done.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the connected_phones table if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS connected_phones (
			id              TEXT PRIMARY KEY,
			phone_number    TEXT NOT NULL,
			phone_name      TEXT NOT NULL,
			connection_type TEXT NOT NULL,
			status          TEXT NOT NULL,
			pairing_token   TEXT NOT NULL DEFAULT '',
			last_activity   BIGINT NOT NULL DEFAULT 0,
			last_connected  BIGINT NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL
		)`)
	return err
}

func (p *Postgres) UpsertPhone(ctx context.Context, rec model.PhoneRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connected_phones
			(id, phone_number, phone_name, connection_type, status, pairing_token, last_activity, last_connected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			phone_number    = EXCLUDED.phone_number,
			phone_name      = EXCLUDED.phone_name,
			connection_type = EXCLUDED.connection_type,
			status          = EXCLUDED.status,
			last_activity   = EXCLUDED.last_activity`,
		rec.ID, rec.PhoneNumber, rec.PhoneName, string(rec.ConnectionType),
		string(rec.Status), rec.PairingToken, rec.LastActivity, rec.LastConnected, rec.CreatedAt)
	return err
}

func (p *Postgres) UpdateStatus(ctx context.Context, phoneID string, status model.SessionStatus, nowMillis int64) error {
	query := `UPDATE connected_phones SET status = $2, last_activity = $3 WHERE id = $1`
	if status == model.StatusActive {
		query = `UPDATE connected_phones SET status = $2, last_activity = $3, last_connected = $3 WHERE id = $1`
	}
	res, err := p.db.ExecContext(ctx, query, phoneID, string(status), nowMillis)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) UpdateQR(ctx context.Context, phoneID string, qr string, nowMillis int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE connected_phones SET pairing_token = $2, last_activity = $3 WHERE id = $1`,
		phoneID, qr, nowMillis)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) GetPhone(ctx context.Context, phoneID string) (model.PhoneRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, phone_number, phone_name, connection_type, status, pairing_token, last_activity, last_connected, created_at
		FROM connected_phones WHERE id = $1`, phoneID)
	rec, err := scanPhone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PhoneRecord{}, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) ListPhones(ctx context.Context) ([]model.PhoneRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, phone_number, phone_name, connection_type, status, pairing_token, last_activity, last_connected, created_at
		FROM connected_phones ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.PhoneRecord, 0)
	for rows.Next() {
		rec, err := scanPhone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *Postgres) DeletePhone(ctx context.Context, phoneID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM connected_phones WHERE id = $1`, phoneID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhone(row rowScanner) (model.PhoneRecord, error) {
	var rec model.PhoneRecord
	var connType, status string
	err := row.Scan(&rec.ID, &rec.PhoneNumber, &rec.PhoneName, &connType, &status,
		&rec.PairingToken, &rec.LastActivity, &rec.LastConnected, &rec.CreatedAt)
	if err != nil {
		return model.PhoneRecord{}, err
	}
	rec.ConnectionType = model.PairingMode(connType)
	rec.Status = model.SessionStatus(status)
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
