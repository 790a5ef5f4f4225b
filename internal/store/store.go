// Package store provides the durable traffic log: HTTP(S) transactions,
// DNS queries, and alerts, with full-text search and retention.
//
// Unlike the bucket-based state.Store (JSON blobs for configuration-like
// records), this package uses native SQL tables sized for high-volume
// append traffic:
//   - indexed queries by device, time range, and flags
//   - an FTS5 index over URL, host, and body text
//   - batched asynchronous appends that keep the interception hot path
//     free of disk latency
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/logging"

	_ "modernc.org/sqlite"
)

// Header is one header field. Order and duplicates are preserved
// exactly as captured.
type Header struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

// Transaction is one intercepted HTTP(S) request/response pair.
// Immutable once fully written; partial captures are flushed with the
// Truncated marker rather than dropped.
type Transaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceMAC string    `json:"device_mac"`

	Method string `json:"method"`
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Path   string `json:"path"`
	Query  string `json:"query,omitempty"`

	Status      int      `json:"status,omitempty"`
	ReqHeaders  []Header `json:"req_headers,omitempty"`
	RespHeaders []Header `json:"resp_headers,omitempty"`
	ReqBody     []byte   `json:"req_body,omitempty"`
	RespBody    []byte   `json:"resp_body,omitempty"`
	ReqContentType  string `json:"req_content_type,omitempty"`
	RespContentType string `json:"resp_content_type,omitempty"`

	ReqSize    int64         `json:"req_size"`
	RespSize   int64         `json:"resp_size"`
	Duration   time.Duration `json:"duration"`

	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
	Alerted     bool   `json:"alerted"`
	AlertTerms  string `json:"alert_terms,omitempty"`
	Category    string `json:"category,omitempty"`

	// Intercepted is false for pinning-fallback relays: the connection
	// completed but content was never decrypted.
	Intercepted bool `json:"intercepted"`
	Truncated   bool `json:"truncated"`
}

// URL reassembles the request URL.
func (t *Transaction) URL() string {
	u := t.Scheme + "://" + t.Host + t.Path
	if t.Query != "" {
		u += "?" + t.Query
	}
	return u
}

// DNSQuery is one observed DNS query.
type DNSQuery struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceMAC string    `json:"device_mac"`
	Name      string    `json:"name"`
	QueryType string    `json:"query_type"`
	Addresses []string  `json:"addresses,omitempty"`
	Blocked   bool      `json:"blocked"`
	Reason    string    `json:"reason,omitempty"`
}

// DB is the traffic database.
type DB struct {
	db     *sql.DB
	logger *logging.Logger
	writer *writer
}

// Open opens or creates the traffic database at path. Use ":memory:"
// for tests.
func Open(path string, logger *logging.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = logging.Default()
	}

	tdb := &DB{db: db, logger: logger.WithComponent("store")}
	if err := tdb.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize traffic schema: %w", err)
	}

	tdb.writer = newWriter(tdb)
	return tdb, nil
}

// Close flushes buffered appends and closes the database.
func (d *DB) Close() error {
	d.writer.close()
	return d.db.Close()
}

// Flush forces buffered appends to disk. Tests use it to observe writes
// without waiting out the batch interval.
func (d *DB) Flush() {
	d.writer.flush()
}

func (d *DB) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			device_mac TEXT NOT NULL,
			method TEXT,
			scheme TEXT,
			host TEXT,
			path TEXT,
			query TEXT,
			status INTEGER,
			req_headers TEXT,
			resp_headers TEXT,
			req_body BLOB,
			resp_body BLOB,
			req_content_type TEXT,
			resp_content_type TEXT,
			req_size INTEGER DEFAULT 0,
			resp_size INTEGER DEFAULT 0,
			duration_us INTEGER DEFAULT 0,
			blocked BOOLEAN DEFAULT 0,
			block_reason TEXT,
			alerted BOOLEAN DEFAULT 0,
			alert_terms TEXT,
			category TEXT,
			intercepted BOOLEAN DEFAULT 1,
			truncated BOOLEAN DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS dns_queries (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			device_mac TEXT NOT NULL,
			name TEXT NOT NULL,
			query_type TEXT,
			addresses TEXT,
			blocked BOOLEAN DEFAULT 0,
			reason TEXT
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			device_mac TEXT NOT NULL,
			severity TEXT NOT NULL,
			category TEXT,
			keyword TEXT,
			matched TEXT,
			source_ref TEXT,
			read BOOLEAN DEFAULT 0,
			resolved BOOLEAN DEFAULT 0
		);

		-- Full-text index over searchable traffic text. ref points back
		-- at the owning row; kind is 'txn' or 'dns'.
		CREATE VIRTUAL TABLE IF NOT EXISTS traffic_fts USING fts5(
			content,
			kind UNINDEXED,
			ref UNINDEXED
		);

		CREATE INDEX IF NOT EXISTS idx_txn_ts ON transactions(ts);
		CREATE INDEX IF NOT EXISTS idx_txn_device ON transactions(device_mac);
		CREATE INDEX IF NOT EXISTS idx_txn_host ON transactions(host);
		CREATE INDEX IF NOT EXISTS idx_dns_ts ON dns_queries(ts);
		CREATE INDEX IF NOT EXISTS idx_dns_device ON dns_queries(device_mac);
		CREATE INDEX IF NOT EXISTS idx_dns_name ON dns_queries(name);
		CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);
		CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_mac);
		CREATE INDEX IF NOT EXISTS idx_alerts_source ON alerts(source_ref);
	`
	_, err := d.db.Exec(schema)
	return err
}

// AppendTransaction queues a transaction for durable write. It never
// blocks the interception path beyond the buffered channel send; a
// crash can lose at most the most recent unflushed batch.
func (d *DB) AppendTransaction(t Transaction) {
	d.writer.enqueue(pendingTxn(t))
}

// AppendDNSQuery queues a DNS query record.
func (d *DB) AppendDNSQuery(q DNSQuery) {
	d.writer.enqueue(pendingDNS(q))
}

// AppendAlert queues an alert record.
func (d *DB) AppendAlert(a alert.Alert) {
	d.writer.enqueue(pendingAlert(a))
}

func (d *DB) insertTransaction(tx *sql.Tx, t *Transaction) error {
	reqH, err := json.Marshal(t.ReqHeaders)
	if err != nil {
		return err
	}
	respH, err := json.Marshal(t.RespHeaders)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO transactions
			(id, ts, device_mac, method, scheme, host, path, query, status,
			 req_headers, resp_headers, req_body, resp_body,
			 req_content_type, resp_content_type, req_size, resp_size,
			 duration_us, blocked, block_reason, alerted, alert_terms,
			 category, intercepted, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.UTC(), t.DeviceMAC, t.Method, t.Scheme, t.Host, t.Path, t.Query,
		t.Status, string(reqH), string(respH), t.ReqBody, t.RespBody,
		t.ReqContentType, t.RespContentType, t.ReqSize, t.RespSize,
		t.Duration.Microseconds(), t.Blocked, t.BlockReason, t.Alerted, t.AlertTerms,
		t.Category, t.Intercepted, t.Truncated,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO traffic_fts (content, kind, ref) VALUES (?, 'txn', ?)`,
		t.Host+" "+t.URL()+" "+searchableBody(t), t.ID,
	)
	return err
}

func (d *DB) insertDNSQuery(tx *sql.Tx, q *DNSQuery) error {
	addrs, err := json.Marshal(q.Addresses)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO dns_queries
			(id, ts, device_mac, name, query_type, addresses, blocked, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Timestamp.UTC(), q.DeviceMAC, q.Name, q.QueryType, string(addrs), q.Blocked, q.Reason,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO traffic_fts (content, kind, ref) VALUES (?, 'dns', ?)`,
		q.Name, q.ID,
	)
	return err
}

func (d *DB) insertAlert(tx *sql.Tx, a *alert.Alert) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO alerts
			(id, ts, device_mac, severity, category, keyword, matched, source_ref, read, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Timestamp.UTC(), a.DeviceMAC, a.Severity, a.Category, a.Keyword,
		a.Matched, a.SourceRef, a.Read, a.Resolved,
	)
	return err
}

// searchableBody extracts body text for the FTS index. Binary bodies
// contribute nothing; the raw bytes stay in the row either way.
func searchableBody(t *Transaction) string {
	if !isTextual(t.RespContentType) {
		return ""
	}
	const maxIndexed = 64 * 1024
	body := t.RespBody
	if len(body) > maxIndexed {
		body = body[:maxIndexed]
	}
	return string(body)
}

func isTextual(contentType string) bool {
	switch {
	case contentType == "":
		return false
	case len(contentType) >= 5 && contentType[:5] == "text/":
		return true
	}
	for _, t := range []string{"application/json", "application/xml", "application/x-www-form-urlencoded", "application/javascript"} {
		if len(contentType) >= len(t) && contentType[:len(t)] == t {
			return true
		}
	}
	return false
}

// SetAlertRead marks an alert read/unread.
func (d *DB) SetAlertRead(id string, read bool) error {
	return d.updateAlertFlag(id, "read", read)
}

// SetAlertResolved marks an alert resolved.
func (d *DB) SetAlertResolved(id string, resolved bool) error {
	return d.updateAlertFlag(id, "resolved", resolved)
}

func (d *DB) updateAlertFlag(id, column string, value bool) error {
	d.writer.flush()
	res, err := d.db.Exec(fmt.Sprintf(`UPDATE alerts SET %s = ? WHERE id = ?`, column), value, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown alert %s", id)
	}
	return nil
}
