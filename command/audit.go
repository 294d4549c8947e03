// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Record is one durably recorded critical command.
type Record struct {
	Seq         uint64          `json:"seq"`
	DroneID     string          `json:"droneId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IssuedBy    string          `json:"issuedBy"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AuditLog persists critical commands before they are published, so a
// publish failure never loses the record of what was ordered.
type AuditLog struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenAuditLog opens (or creates) the Badger-backed audit log.
func OpenAuditLog(dir string) (*AuditLog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	seq, err := db.GetSequence([]byte("cmdseq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}

	return &AuditLog{db: db, seq: seq}, nil
}

// Append durably records a command. The assigned sequence number is written
// back into the record.
func (l *AuditLog) Append(rec *Record) error {
	seq, err := l.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	rec.Seq = seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := []byte(fmt.Sprintf("cmd/%s/%016x", rec.DroneID, seq))
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Replay iterates the recorded commands for a drone in sequence order.
// Iteration stops at the first error returned by fn.
func (l *AuditLog) Replay(droneID string, fn func(Record) error) error {
	prefix := []byte("cmd/" + droneID + "/")
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				return fn(rec)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the sequence and closes the database.
func (l *AuditLog) Close() error {
	if err := l.seq.Release(); err != nil {
		l.db.Close()
		return err
	}
	return l.db.Close()
}
