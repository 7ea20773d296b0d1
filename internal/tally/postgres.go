package tally

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/realtime/internal/domain"
)

// Schema is the part of the vote store the Postgres counter reads.
// The tables are owned by the poll and vote modules.
const Schema = `
CREATE TABLE IF NOT EXISTS poll_options (
	poll_id   TEXT    NOT NULL,
	option_id TEXT    NOT NULL,
	position  INTEGER NOT NULL,
	text      TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (poll_id, option_id)
);

CREATE TABLE IF NOT EXISTS votes (
	vote_id        TEXT        PRIMARY KEY,
	poll_id        TEXT        NOT NULL,
	participant_id TEXT        NOT NULL,
	option_id      TEXT,
	submitted_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS votes_poll_id_idx ON votes (poll_id, option_id);`

type PostgresConfig struct {
	DB *pgxpool.Pool
}

// Postgres counts votes straight from the vote store.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(c PostgresConfig) *Postgres {
	return &Postgres{db: c.DB}
}

// Tally returns every option of the poll in display order with its vote count.
// Counts and total come from one statement, so they are one snapshot.
func (p *Postgres) Tally(ctx context.Context, pollID string) (domain.Tally, error) {
	defer observe("postgres")()

	const stmt = `
SELECT o.option_id, COUNT(v.vote_id) AS votes, t.total
FROM poll_options o
LEFT JOIN votes v ON v.poll_id = o.poll_id AND v.option_id = o.option_id
CROSS JOIN (SELECT COUNT(*) AS total FROM votes WHERE poll_id = $1) t
WHERE o.poll_id = $1
GROUP BY o.option_id, o.position, t.total
ORDER BY o.position;`

	rows, err := p.db.Query(ctx, stmt, pollID)
	if err != nil {
		return domain.Tally{}, fmt.Errorf("tally: query poll %s: %w", pollID, err)
	}

	var total int64
	options, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.OptionCount, error) {
		var oc domain.OptionCount
		if err := r.Scan(&oc.OptionID, &oc.Votes, &total); err != nil {
			return domain.OptionCount{}, err
		}
		return oc, nil
	})
	if err != nil {
		return domain.Tally{}, fmt.Errorf("tally: scan poll %s: %w", pollID, err)
	}

	// Polls without options (rating, free text) only have a total.
	if len(options) == 0 {
		const totalStmt = `SELECT COUNT(*) FROM votes WHERE poll_id = $1;`
		if err := p.db.QueryRow(ctx, totalStmt, pollID).Scan(&total); err != nil {
			return domain.Tally{}, fmt.Errorf("tally: count poll %s: %w", pollID, err)
		}
	}

	return domain.Tally{
		PollID:     pollID,
		Options:    options,
		TotalVotes: total,
	}, nil
}
