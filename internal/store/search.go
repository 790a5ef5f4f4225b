package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grimm.is/warden/internal/alert"
)

// Filter narrows query results. Zero values mean no constraint.
type Filter struct {
	DeviceMAC string
	Host      string
	Since     time.Time
	Until     time.Time
	Blocked   *bool
	Alerted   *bool
	Limit     int
}

const defaultLimit = 200

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 10000 {
		return defaultLimit
	}
	return f.Limit
}

func (f Filter) where(conds []string, args []any) ([]string, []any) {
	if f.DeviceMAC != "" {
		conds = append(conds, "device_mac = ?")
		args = append(args, f.DeviceMAC)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UTC())
	}
	if f.Blocked != nil {
		conds = append(conds, "blocked = ?")
		args = append(args, *f.Blocked)
	}
	return conds, args
}

// Transactions returns transactions matching the filter, newest first.
func (d *DB) Transactions(f Filter) ([]Transaction, error) {
	d.writer.flush()

	conds, args := f.where(nil, nil)
	if f.Host != "" {
		conds = append(conds, "host = ?")
		args = append(args, f.Host)
	}
	if f.Alerted != nil {
		conds = append(conds, "alerted = ?")
		args = append(args, *f.Alerted)
	}

	query := `SELECT ` + txnColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransaction returns the full stored record, bodies included, or
// (nil, nil) when no such record exists.
func (d *DB) GetTransaction(id string) (*Transaction, error) {
	d.writer.flush()

	row := d.db.QueryRow(`SELECT `+txnColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DNSQueries returns DNS query records matching the filter, newest first.
func (d *DB) DNSQueries(f Filter) ([]DNSQuery, error) {
	d.writer.flush()

	conds, args := f.where(nil, nil)
	if f.Host != "" {
		conds = append(conds, "name = ?")
		args = append(args, f.Host)
	}

	query := `SELECT id, ts, device_mac, name, query_type, addresses, blocked, reason FROM dns_queries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dns records: %w", err)
	}
	defer rows.Close()

	var out []DNSQuery
	for rows.Next() {
		var q DNSQuery
		var addrs string
		if err := rows.Scan(&q.ID, &q.Timestamp, &q.DeviceMAC, &q.Name, &q.QueryType, &addrs, &q.Blocked, &q.Reason); err != nil {
			return nil, err
		}
		if addrs != "" {
			if err := json.Unmarshal([]byte(addrs), &q.Addresses); err != nil {
				return nil, err
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Alerts returns stored alerts matching the filter, newest first.
// minSeverity of "" returns everything.
func (d *DB) Alerts(f Filter, minSeverity string) ([]alert.Alert, error) {
	d.writer.flush()

	conds, args := f.where(nil, nil)
	query := `SELECT id, ts, device_mac, severity, category, keyword, matched, source_ref, read, resolved FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var a alert.Alert
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.DeviceMAC, &a.Severity, &a.Category, &a.Keyword, &a.Matched, &a.SourceRef, &a.Read, &a.Resolved); err != nil {
			return nil, err
		}
		if minSeverity == "" || alert.SeverityAtLeast(a.Severity, minSeverity) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

// SearchResult is one full-text hit.
type SearchResult struct {
	Kind        string       `json:"kind"` // "txn" or "dns"
	Transaction *Transaction `json:"transaction,omitempty"`
	DNSQuery    *DNSQuery    `json:"dns_query,omitempty"`
}

// Search runs a full-text query over captured URLs, hostnames, and
// textual bodies. Results come back newest first across both kinds.
func (d *DB) Search(term string, f Filter) ([]SearchResult, error) {
	d.writer.flush()

	rows, err := d.db.Query(
		`SELECT kind, ref FROM traffic_fts WHERE traffic_fts MATCH ? LIMIT ?`,
		ftsQuote(term), f.limit()*4,
	)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	type ref struct{ kind, id string }
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.kind, &r.id); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, r := range refs {
		switch r.kind {
		case "txn":
			t, err := d.GetTransaction(r.id)
			if err != nil {
				continue
			}
			if f.DeviceMAC != "" && t.DeviceMAC != f.DeviceMAC {
				continue
			}
			if !f.Since.IsZero() && t.Timestamp.Before(f.Since) {
				continue
			}
			out = append(out, SearchResult{Kind: "txn", Transaction: t})
		case "dns":
			q, err := d.getDNSQuery(r.id)
			if err != nil {
				continue
			}
			if f.DeviceMAC != "" && q.DeviceMAC != f.DeviceMAC {
				continue
			}
			if !f.Since.IsZero() && q.Timestamp.Before(f.Since) {
				continue
			}
			out = append(out, SearchResult{Kind: "dns", DNSQuery: q})
		}
	}

	sortResultsNewestFirst(out)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (d *DB) getDNSQuery(id string) (*DNSQuery, error) {
	row := d.db.QueryRow(
		`SELECT id, ts, device_mac, name, query_type, addresses, blocked, reason FROM dns_queries WHERE id = ?`, id)
	var q DNSQuery
	var addrs string
	if err := row.Scan(&q.ID, &q.Timestamp, &q.DeviceMAC, &q.Name, &q.QueryType, &addrs, &q.Blocked, &q.Reason); err != nil {
		return nil, err
	}
	if addrs != "" {
		if err := json.Unmarshal([]byte(addrs), &q.Addresses); err != nil {
			return nil, err
		}
	}
	return &q, nil
}

func sortResultsNewestFirst(rs []SearchResult) {
	ts := func(r SearchResult) time.Time {
		if r.Transaction != nil {
			return r.Transaction.Timestamp
		}
		return r.DNSQuery.Timestamp
	}
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && ts(rs[j]).After(ts(rs[j-1])); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// ftsQuote wraps the user's term so FTS5 treats it as a phrase rather
// than query syntax.
func ftsQuote(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

const txnColumns = `id, ts, device_mac, method, scheme, host, path, query, status,
	req_headers, resp_headers, req_body, resp_body,
	req_content_type, resp_content_type, req_size, resp_size,
	duration_us, blocked, block_reason, alerted, alert_terms,
	category, intercepted, truncated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var reqH, respH string
	var durationUS int64
	err := row.Scan(
		&t.ID, &t.Timestamp, &t.DeviceMAC, &t.Method, &t.Scheme, &t.Host, &t.Path, &t.Query,
		&t.Status, &reqH, &respH, &t.ReqBody, &t.RespBody,
		&t.ReqContentType, &t.RespContentType, &t.ReqSize, &t.RespSize,
		&durationUS, &t.Blocked, &t.BlockReason, &t.Alerted, &t.AlertTerms,
		&t.Category, &t.Intercepted, &t.Truncated,
	)
	if err != nil {
		return t, err
	}
	t.Duration = time.Duration(durationUS) * time.Microsecond
	if reqH != "" {
		if err := json.Unmarshal([]byte(reqH), &t.ReqHeaders); err != nil {
			return t, err
		}
	}
	if respH != "" {
		if err := json.Unmarshal([]byte(respH), &t.RespHeaders); err != nil {
			return t, err
		}
	}
	return t, nil
}
