// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned by Get when no row exists.
	ErrNotFound = errors.New("row not found")

	// ErrCorrupted is returned when a frame fails its CRC check.
	ErrCorrupted = errors.New("store frame corrupted (CRC mismatch)")

	// ErrSequenceGap is returned by Replay when record numbers skip.
	ErrSequenceGap = errors.New("store record sequence gap")

	// ErrReadOnly is returned by mutations inside View.
	ErrReadOnly = errors.New("mutation in read-only transaction")
)

// Table names shared by the device packages.
const (
	TableEvents      = "events"
	TableSubmissions = "submissions"
	TableSnapshots   = "snapshots"
)

const (
	recordPrefix = "wal:"
	rowPrefix    = "row:"
)

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", recordPrefix, seq))
}

func rowKey(table, id string) []byte {
	return []byte(rowPrefix + table + ":" + id)
}

func tablePrefix(table string) []byte {
	return []byte(rowPrefix + table + ":")
}

// =============================================================================
// Records
// =============================================================================

// Op is the kind of mutation a Record describes.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Record is one entry in the append-only log.
type Record struct {
	Seq   uint64          `json:"seq"`
	Op    Op              `json:"op"`
	Table string          `json:"table"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	At    time.Time       `json:"at"`
}

// frame prepends a CRC32 of payload: [4-byte CRC][payload].
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out
}

// unframe verifies and strips the CRC. The returned slice aliases data.
func unframe(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: frame too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	return payload, nil
}

// Unmarshal decodes a row value returned by Scan.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// =============================================================================
// Log
// =============================================================================

// Log is the transactional append-only store.
//
// # Thread Safety
//
// Safe for concurrent use. Updates are serialized so record numbers are
// assigned without gaps in commit order. Views run concurrently.
type Log struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex // serializes Update
	seq    uint64     // last committed record number, guarded by mu
	closed atomic.Bool
}

// Open opens the Log described by cfg and recovers the last record number.
//
// # Inputs
//
//   - cfg: Badger settings. Path is required unless InMemory is set.
//   - logger: Component logger. Nil uses slog.Default.
//
// # Outputs
//
//   - *Log: Ready for use. Call Close when done.
//   - error: When Badger cannot be opened or the highest record key is
//     unreadable.
func Open(cfg Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	l := &Log{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
		now:    time.Now,
	}
	if err := l.loadSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover record number: %w", err)
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		l.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, l.logger)
	}

	l.logger.Info("store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Uint64("last_seq", l.seq))
	return l, nil
}

// OpenInMemory opens a Log that vanishes on Close.
func OpenInMemory(logger *slog.Logger) (*Log, error) {
	return Open(InMemoryConfig(), logger)
}

func (l *Log) loadSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(recordPrefix)
		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if it.ValidForPrefix(prefix) {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%016d", &seq); err != nil {
				return fmt.Errorf("parse record key: %w", err)
			}
			l.seq = seq
		}
		return nil
	})
}

// LastSeq returns the number of the last committed record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close stops GC and closes Badger. Safe to call twice.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.gc != nil {
		l.gc.stop()
	}
	return l.db.Close()
}

// Update runs fn in a read-write transaction.
//
// # Description
//
// Every Put and Delete made by fn becomes a Record with the next record
// number and is applied to its row. Nothing is visible to other readers
// until fn returns nil and the Badger commit succeeds. An error from fn
// discards all of its mutations.
//
// # Inputs
//
//   - ctx: Checked before starting. Carries the trace span.
//   - fn: Transaction body. Must not retain tx.
//
// # Outputs
//
//   - error: From fn, Badger, or ErrClosed.
func (l *Log) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, span := otel.Tracer("studyflow/store").Start(ctx, "store.Update")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Tx{log: l, writable: true, next: l.seq, at: l.now().UTC()}
	err := l.db.Update(func(txn *badger.Txn) error {
		tx.txn = txn
		return fn(tx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return err
	}

	span.SetAttributes(attribute.Int("records", int(tx.next-l.seq)))
	l.seq = tx.next
	return nil
}

// View runs fn in a read-only transaction.
func (l *Log) View(ctx context.Context, fn func(tx *Tx) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{log: l, txn: txn})
	})
}

// Replay calls fn for every record after seq, in order.
//
// # Description
//
// Frames are CRC-checked and record numbers must be consecutive. Records
// removed by Compact are simply absent from the front of the log.
//
// # Outputs
//
//   - error: ErrCorrupted, ErrSequenceGap, or the first error from fn.
func (l *Log) Replay(ctx context.Context, after uint64, fn func(Record) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	ctx, span := otel.Tracer("studyflow/store").Start(ctx, "store.Replay",
		trace.WithAttributes(attribute.Int64("after", int64(after))))
	defer span.End()

	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		var last uint64
		for it.Seek(recordKey(after + 1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				payload, err := unframe(val)
				if err != nil {
					return err
				}
				return sonic.Unmarshal(payload, &rec)
			})
			if err != nil {
				return fmt.Errorf("record %s: %w", it.Item().Key(), err)
			}
			if last > 0 && rec.Seq != last+1 {
				return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, last+1, rec.Seq)
			}
			last = rec.Seq
			if err := fn(rec); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return err
	}
	span.SetAttributes(attribute.Int("records", count))
	return nil
}

// Compact deletes records committed before cutoff. Rows are untouched.
//
// # Outputs
//
//   - int: Records removed.
//   - error: Badger failures.
func (l *Log) Compact(ctx context.Context, cutoff time.Time) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	var stale [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				payload, err := unframe(val)
				if err != nil {
					return err
				}
				return sonic.Unmarshal(payload, &rec)
			}); err != nil {
				return err
			}
			if !rec.At.Before(cutoff) {
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("compact: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	l.logger.Debug("store compacted", slog.Int("records", len(stale)))
	return len(stale), nil
}

// =============================================================================
// Tx
// =============================================================================

// Tx is a transaction handle passed to Update and View callbacks.
type Tx struct {
	log      *Log
	txn      *badger.Txn
	writable bool
	next     uint64
	at       time.Time
}

func (tx *Tx) append(rec Record) error {
	tx.next++
	rec.Seq = tx.next
	rec.At = tx.at
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return tx.txn.Set(recordKey(rec.Seq), frame(payload))
}

// Put stores v as the row table/id, replacing any previous value.
func (tx *Tx) Put(table, id string, v any) error {
	if !tx.writable {
		return ErrReadOnly
	}
	value, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	if err := tx.append(Record{Op: OpPut, Table: table, ID: id, Value: value}); err != nil {
		return err
	}
	return tx.txn.Set(rowKey(table, id), frame(value))
}

// Delete removes the row table/id. Deleting a missing row is recorded
// and succeeds.
func (tx *Tx) Delete(table, id string) error {
	if !tx.writable {
		return ErrReadOnly
	}
	if err := tx.append(Record{Op: OpDelete, Table: table, ID: id}); err != nil {
		return err
	}
	return tx.txn.Delete(rowKey(table, id))
}

// Get decodes row table/id into out. Returns ErrNotFound if absent.
func (tx *Tx) Get(table, id string, out any) error {
	item, err := tx.txn.Get(rowKey(table, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		payload, err := unframe(val)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", table, id, err)
		}
		return sonic.Unmarshal(payload, out)
	})
}

// Scan calls fn for each row of table in id order. value is only valid
// during the call; decode it with Unmarshal.
func (tx *Tx) Scan(table string, fn func(id string, value []byte) error) error {
	it := tx.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := tablePrefix(table)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id := strings.TrimPrefix(string(item.Key()), string(prefix))
		err := item.Value(func(val []byte) error {
			payload, err := unframe(val)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", table, id, err)
			}
			return fn(id, payload)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
