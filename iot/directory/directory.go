/*Package directory maintains the binding from a device's stable chip
identity to the transport-level client identity of its current connection.

Bindings are strictly last-write-wins and may carry a TTL; an expired
binding simply reports absent on the next lookup. Bindings are never removed
on disconnect: when a device reconnects under the same client identity, the
superseded connection's close races the new connect, and a removal there
would delete the live session's binding. A stale binding is harmless, the
next reconnect or the TTL overwrites it.
*/
package directory

import (
	"context"
	"time"

	"github.com/fleetware-tech/fleetware/core/csql"
)

// Directory is the chip identity to session identity binding store.
type Directory interface {
	// Set writes the binding, overwriting any previous one. A ttl of zero
	// means the binding does not expire.
	Set(ctx context.Context, chipID, clientID string, ttl time.Duration) error
	// Get returns the client identity bound to chipID, or false if there is
	// no live binding.
	Get(ctx context.Context, chipID string) (string, bool, error)
	// ChipIDByClient returns the chip identity bound to the given client
	// identity, or false if none is.
	ChipIDByClient(ctx context.Context, clientID string) (string, bool, error)
}

// Postgres is the database-backed Directory.
type Postgres struct {
	db *csql.DB
}

// NewPostgres returns a Directory backed by the given database. It creates
// the session table if it does not exist yet.
func NewPostgres(db *csql.DB) *Postgres {
	if db == nil {
		panic("DB is missing")
	}
	createSessionTableIfNotExists(db)
	return &Postgres{db: db}
}

func createSessionTableIfNotExists(db *csql.DB) {
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_session_"
(chip_id varchar NOT NULL,
client_id varchar NOT NULL,
expires_at timestamp,
PRIMARY KEY(chip_id)
);
CREATE index IF NOT EXISTS session_client_id_index ON ` + db.Schema + `."_session_"(client_id);`)
	if err != nil {
		panic(err)
	}
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

// Set implements Directory
func (p *Postgres) Set(ctx context.Context, chipID, clientID string, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."_session_"(chip_id,client_id,expires_at)
VALUES($1,$2,$3)
ON CONFLICT (chip_id) DO UPDATE SET client_id=$2,expires_at=$3;`,
		chipID, clientID, expiry(ttl))
	return err
}

// Get implements Directory
func (p *Postgres) Get(ctx context.Context, chipID string) (string, bool, error) {
	var clientID string
	err := p.db.QueryRowContext(ctx,
		`SELECT client_id FROM `+p.db.Schema+`."_session_"
WHERE chip_id=$1 AND (expires_at IS NULL OR expires_at > $2);`,
		chipID, time.Now().UTC()).Scan(&clientID)
	if err == csql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return clientID, true, nil
}

// ChipIDByClient implements Directory. Unlike the naive scan over all
// bindings this is an indexed query; the client_id index exists for it.
func (p *Postgres) ChipIDByClient(ctx context.Context, clientID string) (string, bool, error) {
	var chipID string
	err := p.db.QueryRowContext(ctx,
		`SELECT chip_id FROM `+p.db.Schema+`."_session_"
WHERE client_id=$1 AND (expires_at IS NULL OR expires_at > $2) LIMIT 1;`,
		clientID, time.Now().UTC()).Scan(&chipID)
	if err == csql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return chipID, true, nil
}
