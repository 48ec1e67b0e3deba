package snapshot

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/guarzo/carmarket/internal/model"
)

// PostgresStore persists snapshots in PostgreSQL. The unique key on
// (platform, snapshot_date) enforces the duplicate guard and the
// insert transaction makes the append atomic for readers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection, verifies it, and runs the inline
// schema migration.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return ps, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id            SERIAL PRIMARY KEY,
			platform      VARCHAR(50) NOT NULL,
			snapshot_date DATE        NOT NULL,
			taken_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (platform, snapshot_date)
		);

		CREATE TABLE IF NOT EXISTS snapshot_listings (
			id          SERIAL PRIMARY KEY,
			snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
			listing_id  TEXT    NOT NULL,
			title       TEXT    NOT NULL,
			make        TEXT    NOT NULL DEFAULT '',
			model       TEXT    NOT NULL DEFAULT '',
			year        INTEGER,
			price       NUMERIC(12,2),
			currency    VARCHAR(8) NOT NULL DEFAULT '',
			location    TEXT    NOT NULL DEFAULT '',
			condition   TEXT    NOT NULL DEFAULT '',
			mileage     INTEGER,
			source_url  TEXT    NOT NULL DEFAULT '',
			views       INTEGER,
			likes       INTEGER,
			comments    INTEGER,
			saves       INTEGER,
			fingerprint TEXT    NOT NULL,
			first_seen  TIMESTAMPTZ NOT NULL,
			last_seen   TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_date ON snapshots(snapshot_date);
		CREATE INDEX IF NOT EXISTS idx_snapshot_listings_make_model ON snapshot_listings(make, model);
	`)
	return err
}

// Append inserts a snapshot and its listings in one transaction.
func (s *PostgresStore) Append(platform, date string, listings []model.Listing) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var snapshotID int
	err = tx.QueryRow(
		`INSERT INTO snapshots (platform, snapshot_date) VALUES ($1, $2) RETURNING id`,
		platform, date,
	).Scan(&snapshotID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s %s", ErrDuplicateSnapshot, platform, date)
		}
		return fmt.Errorf("postgres: insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO snapshot_listings (
			snapshot_id, listing_id, title, make, model, year, price,
			currency, location, condition, mileage, source_url,
			views, likes, comments, saves, fingerprint, first_seen, last_seen
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`)
	if err != nil {
		return fmt.Errorf("postgres: prepare: %w", err)
	}
	defer stmt.Close()

	for _, l := range listings {
		var views, likes, comments, saves interface{}
		if l.Engagement != nil {
			views, likes = l.Engagement.Views, l.Engagement.Likes
			comments, saves = l.Engagement.Comments, l.Engagement.Saves
		}
		_, err := stmt.Exec(
			snapshotID, l.ListingID, l.Title, l.Make, l.Model,
			nullableInt(l.Year), nullableFloat(l.Price),
			l.Currency, l.Location, l.Condition, nullableInt(l.Mileage),
			l.SourceURL, views, likes, comments, saves,
			l.Fingerprint, l.FirstSeen, l.LastSeen,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert listing %s: %w", l.ListingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ReadRange loads matching snapshots ordered by date, then platform.
func (s *PostgresStore) ReadRange(q Query) ([]model.Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, platform, to_char(snapshot_date, 'YYYY-MM-DD'), taken_at
		FROM snapshots
		WHERE ($1 = '' OR platform = $1)
		  AND ($2 = '' OR snapshot_date >= $2::date)
		  AND ($3 = '' OR snapshot_date <= $3::date)
		ORDER BY snapshot_date, platform`,
		q.Platform, q.DateFrom, q.DateTo)
	if err != nil {
		return nil, fmt.Errorf("postgres: query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.Snapshot
	var ids []int
	for rows.Next() {
		var id int
		var snap model.Snapshot
		if err := rows.Scan(&id, &snap.Platform, &snap.Date, &snap.TakenAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate snapshots: %w", err)
	}

	for i, id := range ids {
		listings, err := s.readListings(id, q)
		if err != nil {
			return nil, err
		}
		snaps[i].Listings = listings
	}
	return snaps, nil
}

func (s *PostgresStore) readListings(snapshotID int, q Query) ([]model.Listing, error) {
	rows, err := s.db.Query(`
		SELECT listing_id, title, make, model, year, price, currency,
		       location, condition, mileage, source_url,
		       views, likes, comments, saves, fingerprint, first_seen, last_seen
		FROM snapshot_listings
		WHERE snapshot_id = $1
		  AND ($2 = '' OR make = $2)
		  AND ($3 = '' OR model = $3)
		ORDER BY listing_id`,
		snapshotID, q.Make, q.Model)
	if err != nil {
		return nil, fmt.Errorf("postgres: query listings: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var year, mileage sql.NullInt64
		var price sql.NullFloat64
		var views, likes, comments, saves sql.NullInt64
		err := rows.Scan(
			&l.ListingID, &l.Title, &l.Make, &l.Model, &year, &price,
			&l.Currency, &l.Location, &l.Condition, &mileage, &l.SourceURL,
			&views, &likes, &comments, &saves,
			&l.Fingerprint, &l.FirstSeen, &l.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		if year.Valid {
			y := int(year.Int64)
			l.Year = &y
		}
		if price.Valid {
			p := price.Float64
			l.Price = &p
		}
		if mileage.Valid {
			m := int(mileage.Int64)
			l.Mileage = &m
		}
		if views.Valid || likes.Valid || comments.Valid || saves.Valid {
			l.Engagement = &model.Engagement{
				Views:    int(views.Int64),
				Likes:    int(likes.Int64),
				Comments: int(comments.Int64),
				Saves:    int(saves.Int64),
			}
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate listings: %w", err)
	}
	return listings, nil
}

// Close releases the database connection.
func (s *PostgresStore) Close() error { return s.db.Close() }

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
