package store

import (
	"fmt"
	"time"

	"grimm.is/warden/internal/clock"
)

// Prune removes records older than maxAge, then drops the oldest
// remaining transactions until the database fits under maxSizeBytes.
// Alerts are exempt from the size pass; they are small and the most
// likely records someone comes back for.
func (d *DB) Prune(maxAge time.Duration, maxSizeBytes int64) error {
	d.writer.flush()

	cutoff := clock.Now().Add(-maxAge).UTC()

	removed, err := d.pruneOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("age-based prune failed: %w", err)
	}
	if removed > 0 {
		d.logger.Info("Pruned expired traffic records", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}

	if maxSizeBytes > 0 {
		if err := d.pruneToSize(maxSizeBytes); err != nil {
			return fmt.Errorf("size-based prune failed: %w", err)
		}
	}
	return nil
}

func (d *DB) pruneOlderThan(cutoff time.Time) (int64, error) {
	var removed int64
	for _, table := range []string{"transactions", "dns_queries", "alerts"} {
		res, err := d.db.Exec(`DELETE FROM `+table+` WHERE ts < ?`, cutoff)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if _, err := d.db.Exec(
		`DELETE FROM traffic_fts WHERE ref NOT IN (SELECT id FROM transactions) AND kind = 'txn'`); err != nil {
		return removed, err
	}
	if _, err := d.db.Exec(
		`DELETE FROM traffic_fts WHERE ref NOT IN (SELECT id FROM dns_queries) AND kind = 'dns'`); err != nil {
		return removed, err
	}
	return removed, nil
}

func (d *DB) pruneToSize(maxBytes int64) error {
	for i := 0; i < 100; i++ {
		size, err := d.sizeBytes()
		if err != nil {
			return err
		}
		if size <= maxBytes {
			return nil
		}

		// Drop the oldest 5% of transactions per pass. Bodies dominate
		// on-disk size so transactions go first, DNS rows second.
		res, err := d.db.Exec(`
			DELETE FROM transactions WHERE id IN (
				SELECT id FROM transactions ORDER BY ts ASC
				LIMIT MAX(1, (SELECT COUNT(*) FROM transactions) / 20)
			)`)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			res, err = d.db.Exec(`
				DELETE FROM dns_queries WHERE id IN (
					SELECT id FROM dns_queries ORDER BY ts ASC
					LIMIT MAX(1, (SELECT COUNT(*) FROM dns_queries) / 20)
				)`)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
		}

		if _, err := d.db.Exec(
			`DELETE FROM traffic_fts WHERE ref NOT IN (SELECT id FROM transactions) AND kind = 'txn'`); err != nil {
			return err
		}
		if _, err := d.db.Exec(`PRAGMA incremental_vacuum`); err != nil {
			d.logger.Debug("Incremental vacuum not available", "error", err)
		}
	}
	return nil
}

func (d *DB) sizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := d.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := d.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Stats summarizes stored record counts for the status API.
type Stats struct {
	Transactions int64 `json:"transactions"`
	DNSQueries   int64 `json:"dns_queries"`
	Alerts       int64 `json:"alerts"`
	SizeBytes    int64 `json:"size_bytes"`
}

// Stats returns record counts and the on-disk size.
func (d *DB) Stats() (Stats, error) {
	d.writer.flush()

	var s Stats
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&s.Transactions); err != nil {
		return s, err
	}
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM dns_queries`).Scan(&s.DNSQueries); err != nil {
		return s, err
	}
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&s.Alerts); err != nil {
		return s, err
	}
	size, err := d.sizeBytes()
	if err != nil {
		return s, err
	}
	s.SizeBytes = size
	return s, nil
}
