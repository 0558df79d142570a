package store

import "context"

// GetMeta returns the value stored under key, or ErrNotFound.
func (t *Tx) GetMeta(ctx context.Context, key string) (string, error) {
	if err := t.read(Meta); err != nil {
		return "", err
	}
	var value string
	if err := t.tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value); err != nil {
		return "", classify("get meta", err)
	}
	return value, nil
}

// PutMeta sets key to value.
func (t *Tx) PutMeta(ctx context.Context, key, value string) error {
	if err := t.write(Meta); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return classify("put meta", err)
	}
	return nil
}
