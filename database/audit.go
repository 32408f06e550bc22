// Copyright 2025 Openskies Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/openskies-io/surety/event"
)

var auditKeyPrefix = []byte("audit/")

// AuditEntry is one recorded domain event.
type AuditEntry struct {
	Seq       uint64          `json:"seq"`
	Type      event.EventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AuditLog is a Badger-backed append-only record of domain events. Entries
// are keyed by a monotonic sequence number so they replay in order.
type AuditLog struct {
	db      *badger.DB
	logger  *slog.Logger
	dataDir string
	nextSeq uint64
	mu      sync.Mutex
}

// NewAuditLog creates an audit log. Uses an in-memory database if dataDir is
// empty.
func NewAuditLog(dataDir string, logger *slog.Logger) (*AuditLog, error) {
	l := &AuditLog{
		dataDir: dataDir,
		logger:  logger,
	}
	if l.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var auditDb *badger.DB
	var err error
	if dataDir == "" {
		// No dataDir, use in-memory config
		badgerOpts := badger.DefaultOptions("").
			WithLogger(nil).
			WithInMemory(true)
		auditDb, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			// Create data directory
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		auditDir := filepath.Join(
			dataDir,
			"audit",
		)
		badgerOpts := badger.DefaultOptions(auditDir).
			WithLogger(nil).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING)
		auditDb, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	}
	l.db = auditDb
	if err := l.loadNextSeq(); err != nil {
		l.db.Close()
		return nil, err
	}
	return l, nil
}

// loadNextSeq finds the highest existing sequence number so appends continue
// where a previous run left off.
func (l *AuditLog) loadNextSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = auditKeyPrefix
		iterOpts.Reverse = true
		iterOpts.PrefetchValues = false
		iter := txn.NewIterator(iterOpts)
		defer iter.Close()
		// Seek past the last possible key under the prefix
		seekKey := append([]byte{}, auditKeyPrefix...)
		seekKey = append(
			seekKey,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		)
		iter.Seek(seekKey)
		if iter.ValidForPrefix(auditKeyPrefix) {
			key := iter.Item().Key()
			lastSeq := binary.BigEndian.Uint64(key[len(auditKeyPrefix):])
			l.nextSeq = lastSeq + 1
		}
		return nil
	})
}

func auditKey(seq uint64) []byte {
	key := append([]byte{}, auditKeyPrefix...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// Append records a domain event. The event payload must be JSON-encodable.
func (l *AuditLog) Append(evt event.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := AuditEntry{
		Seq:       l.nextSeq,
		Type:      evt.Type,
		Timestamp: evt.Timestamp,
		Data:      data,
	}
	value, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(auditKey(entry.Seq), value)
	})
	if err != nil {
		return err
	}
	l.nextSeq++
	return nil
}

// Entries returns all recorded entries in append order.
func (l *AuditLog) Entries() ([]AuditEntry, error) {
	var ret []AuditEntry
	err := l.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = auditKeyPrefix
		iter := txn.NewIterator(iterOpts)
		defer iter.Close()
		for iter.Rewind(); iter.ValidForPrefix(auditKeyPrefix); iter.Next() {
			value, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry AuditEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("decode audit entry: %w", err)
			}
			ret = append(ret, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Close shuts down the underlying database.
func (l *AuditLog) Close() error {
	return l.db.Close()
}
