package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Option configures a Store at Open time, mirroring the functional-options
// shape used for the underlying *sql.DB handle.
type Option func(*options)

type options struct {
	readOnly bool
}

// WithReadOnly opens the store against an existing database file without
// ever taking the write path; used by query-only consumers (CLI `status`/
// `history` invocations running alongside an active scan).
func WithReadOnly(ro bool) Option {
	return func(o *options) { o.readOnly = ro }
}

// Store is the segmented-bitmap persistence engine described in §4.6: a
// single *sql.DB writer handle, an in-memory coalescing buffer keyed by
// (port, family, segment_id, round), and flush-on-threshold semantics.
type Store struct {
	db       *sql.DB
	readOnly bool

	mu      sync.Mutex
	pending map[segKey]*Segment
	dirty   int
}

type segKey struct {
	port    int
	family  Family
	segment uint64
	round   int64
}

// flushBatchSize is the coalescing threshold of the write path: RecordOpen
// flushes once this many new observations have accumulated.
const flushBatchSize = 100

// flushInterval is not consulted by the write path: there is no
// time-based flush, and pending observations reach disk only through the
// flushBatchSize threshold or an explicit Flush call.
const flushInterval = 2 * time.Second

// Open opens (creating if absent) the sqlite database at path and prepares
// its schema. The read-write handle is capped at one open connection,
// giving single-writer semantics for free without an application-level
// lock beyond the in-memory coalescing buffer, the same approach the
// richest storage layer in the example corpus uses for its own embedded
// database.
func Open(path string, opts ...Option) (*Store, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	dsn := path
	if o.readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, readOnly: o.readOnly, pending: make(map[segKey]*Segment)}
	if !o.readOnly {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close flushes any pending writes and releases the database handle.
func (s *Store) Close() error {
	if !s.readOnly {
		if err := s.Flush(context.Background()); err != nil {
			return err
		}
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS port_bitmap_segments (
	port        INTEGER NOT NULL,
	ip_type     TEXT    NOT NULL,
	segment_id  INTEGER NOT NULL,
	bitmap      BLOB    NOT NULL,
	scan_round  INTEGER NOT NULL,
	open_count  INTEGER NOT NULL,
	last_updated TEXT   NOT NULL,
	PRIMARY KEY (port, ip_type, segment_id, scan_round)
);
CREATE TABLE IF NOT EXISTS scan_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// RecordOpen implements record_open(family, address, port, round): compute
// the segment id and bit offset, load-or-create the segment from the
// coalescing buffer (backfilling from the database on first touch), set
// the bit if not already set, and increment open_count iff the bit
// transitioned. Recording the same tuple twice is a no-op on the second
// call, satisfying the idempotency invariant.
func (s *Store) RecordOpen(ctx context.Context, family Family, addr netip.Addr, port int, round int64) error {
	if s.readOnly {
		return fmt.Errorf("storage: record_open on read-only store")
	}

	var segmentID uint64
	var v4Offset uint32
	var v6Offset V6Offset
	switch family {
	case IPv4:
		sid, off := LocateV4(addr)
		segmentID, v4Offset = uint64(sid), off
	case IPv6:
		sid, off := LocateV6(addr)
		segmentID, v6Offset = uint64(sid), off
	default:
		return fmt.Errorf("storage: unknown family %d", family)
	}

	key := segKey{port: port, family: family, segment: segmentID, round: round}

	s.mu.Lock()
	seg, ok := s.pending[key]
	if !ok {
		loaded, err := s.loadSegment(ctx, key)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		seg = loaded
		s.pending[key] = seg
	}

	var transitioned bool
	if family == IPv4 {
		transitioned = seg.SetBitV4(v4Offset)
	} else {
		transitioned = seg.SetBitV6(v6Offset)
	}
	if transitioned {
		s.dirty++
	}
	shouldFlush := s.dirty >= flushBatchSize
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush(ctx)
	}
	return nil
}

func (s *Store) loadSegment(ctx context.Context, key segKey) (*Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bitmap, open_count FROM port_bitmap_segments WHERE port=? AND ip_type=? AND segment_id=? AND scan_round=?`,
		key.port, key.family.String(), key.segment, key.round)

	var bitmap []byte
	var openCount int64
	err := row.Scan(&bitmap, &openCount)
	switch {
	case err == sql.ErrNoRows:
		return &Segment{}, nil
	case err != nil:
		return nil, fmt.Errorf("storage: load segment: %w", err)
	default:
		if key.family == IPv6 {
			return &Segment{V6Set: decodeV6Set(bitmap), OpenCount: openCount}, nil
		}
		return &Segment{Bitmap: bitmap, OpenCount: openCount}, nil
	}
}

// Flush writes every dirty segment in the coalescing buffer to the
// database in a single transaction and resets the dirty counter. Called
// automatically once flushBatchSize observations accumulate, and
// explicitly by QueryOpen, Aggregate, TopPorts, Close and the dispatcher
// at round end; nothing flushes on a timer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.dirty == 0 && len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make(map[segKey]*Segment)
	s.dirty = 0
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: flush begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO port_bitmap_segments (port, ip_type, segment_id, bitmap, scan_round, open_count, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(port, ip_type, segment_id, scan_round) DO UPDATE SET
	bitmap=excluded.bitmap, open_count=excluded.open_count, last_updated=excluded.last_updated`)
	if err != nil {
		return fmt.Errorf("storage: flush prepare: %w", err)
	}
	defer stmt.Close()

	now := nowRFC3339()
	for key, seg := range batch {
		payload := seg.Bitmap
		if key.family == IPv6 {
			payload = encodeV6Set(seg.V6Set)
		}
		if _, err := stmt.ExecContext(ctx, key.port, key.family.String(), key.segment, payload, key.round, seg.OpenCount, now); err != nil {
			return fmt.Errorf("storage: flush exec: %w", err)
		}
	}
	return tx.Commit()
}

// SetMetadata upserts a scan_metadata row.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("storage: set metadata: %w", err)
	}
	return nil
}

// GetMetadata reads one scan_metadata value, returning ("", false) if
// absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scan_metadata WHERE key=?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("storage: get metadata: %w", err)
	default:
		return value, true, nil
	}
}

// OpenRecord is one decoded (address, port) observation as returned by
// QueryOpen.
type OpenRecord struct {
	Address netip.Addr
	Port    int
}

// Filter narrows QueryOpen to one round and, optionally, one port. Round
// is matched exactly (a zero value matches round 0, not the current
// round). Family is not applied: rows of both families are returned.
type Filter struct {
	Port   int // 0 means any port
	Family Family
	Round  int64
}

// QueryOpen implements query_open(filter, page, page_size): enumerate set
// bits across matching segments in a stable order (port ascending, then
// segment id ascending, then bit offset ascending), decoding each to
// (address, port).
func (s *Store) QueryOpen(ctx context.Context, filter Filter, page, pageSize int) (results []OpenRecord, totalPages int, err error) {
	if err := s.Flush(ctx); err != nil {
		return nil, 0, err
	}

	query := `SELECT port, ip_type, segment_id, bitmap FROM port_bitmap_segments WHERE scan_round=?`
	args := []any{filter.Round}
	if filter.Port != 0 {
		query += ` AND port=?`
		args = append(args, filter.Port)
	}
	query += ` ORDER BY port ASC, segment_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query_open: %w", err)
	}
	defer rows.Close()

	var all []OpenRecord
	for rows.Next() {
		var port int
		var ipType string
		var segmentID uint64
		var bitmap []byte
		if err := rows.Scan(&port, &ipType, &segmentID, &bitmap); err != nil {
			return nil, 0, fmt.Errorf("storage: query_open scan: %w", err)
		}
		family, err := ParseFamily(ipType)
		if err != nil {
			return nil, 0, err
		}
		if family == IPv4 {
			for _, off := range setBitOffsetsV4(bitmap) {
				all = append(all, OpenRecord{Address: DecodeV4(uint8(segmentID), off), Port: port})
			}
			continue
		}
		offsets := decodeSortedV6Offsets(bitmap)
		for _, off := range offsets {
			all = append(all, OpenRecord{Address: DecodeV6(uint32(segmentID), off), Port: port})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	totalPages = (len(all) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * pageSize
	if start >= len(all) || start < 0 {
		return nil, totalPages, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], totalPages, nil
}

// setBitOffsetsV4 returns, in ascending order, the bit offsets set in a
// dense IPv4 segment payload.
func setBitOffsetsV4(bitmap []byte) []uint32 {
	var offsets []uint32
	for byteIdx, b := range bitmap {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				offsets = append(offsets, uint32(byteIdx)*8+uint32(bit))
			}
		}
	}
	return offsets
}

// decodeSortedV6Offsets decodes a sparse IPv6 segment BLOB and returns its
// offsets in ascending order, matching encodeV6Set's sort order.
func decodeSortedV6Offsets(blob []byte) []V6Offset {
	offsets := make([]V6Offset, 0, len(blob)/12)
	for i := 0; i+12 <= len(blob); i += 12 {
		offsets = append(offsets, V6Offset{
			Hi: binary.BigEndian.Uint32(blob[i:]),
			Lo: binary.BigEndian.Uint64(blob[i+4:]),
		})
	}
	return offsets
}

// Stats is the result shape of aggregate()/stats.
type Stats struct {
	TotalOpenRecords int64
	UniqueIPs        int64
}

// Aggregate implements aggregate(): sum open_count over the active round
// to produce total_open_records, and compute unique_ips by OR-ing every
// port's segments sharing a segment id together (a host counts once no
// matter how many of its ports are open).
func (s *Store) Aggregate(ctx context.Context, round int64) (Stats, error) {
	if err := s.Flush(ctx); err != nil {
		return Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ip_type, segment_id, bitmap, open_count FROM port_bitmap_segments WHERE scan_round=?`, round)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: aggregate: %w", err)
	}
	defer rows.Close()

	type unionKey struct {
		family  Family
		segment uint64
	}
	unions := make(map[unionKey]*Segment)
	var total int64

	for rows.Next() {
		var ipType string
		var segmentID uint64
		var bitmap []byte
		var openCount int64
		if err := rows.Scan(&ipType, &segmentID, &bitmap, &openCount); err != nil {
			return Stats{}, fmt.Errorf("storage: aggregate scan: %w", err)
		}
		family, err := ParseFamily(ipType)
		if err != nil {
			return Stats{}, err
		}
		total += openCount

		uk := unionKey{family: family, segment: segmentID}
		dst, ok := unions[uk]
		if !ok {
			dst = &Segment{}
			unions[uk] = dst
		}
		if family == IPv6 {
			OR(dst, &Segment{V6Set: decodeV6Set(bitmap)}, family)
		} else {
			OR(dst, &Segment{Bitmap: bitmap}, family)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var unique int64
	for _, seg := range unions {
		unique += seg.Popcount()
	}

	return Stats{TotalOpenRecords: total, UniqueIPs: unique}, nil
}

// TopPort is one entry of top_ports.
type TopPort struct {
	Port      int
	OpenCount int64
}

// TopPorts returns the top-N ports by open_count for the given round.
func (s *Store) TopPorts(ctx context.Context, round int64, n int) ([]TopPort, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT port, SUM(open_count) FROM port_bitmap_segments WHERE scan_round=? GROUP BY port ORDER BY SUM(open_count) DESC LIMIT ?`,
		round, n)
	if err != nil {
		return nil, fmt.Errorf("storage: top_ports: %w", err)
	}
	defer rows.Close()

	var out []TopPort
	for rows.Next() {
		var tp TopPort
		if err := rows.Scan(&tp.Port, &tp.OpenCount); err != nil {
			return nil, fmt.Errorf("storage: top_ports scan: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
