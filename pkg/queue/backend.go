package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"
)

const sequenceBandwidth = 100

// backend wraps the BadgerDB instance holding jobs and their indexes
type backend struct {
	db  *badger.DB
	seq *badger.Sequence
}

// badgerLogger routes badger's internal logging into zerolog
type badgerLogger struct {
	logger zerolog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error().Msgf(msg, items...)
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn().Msgf(msg, items...)
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug().Msgf(msg, items...)
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Trace().Msgf(msg, items...)
}

// openBackend opens the database at path, or in memory when path is empty
func openBackend(path string, logger zerolog.Logger) (*backend, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{logger: logger.With().Str("component", "badger").Logger()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job sequence: %w", err)
	}

	return &backend{db: db, seq: seq}, nil
}

func (b *backend) close() error {
	relErr := b.seq.Release()
	if err := b.db.Close(); err != nil {
		return err
	}
	return relErr
}

// nextSeq returns a strictly increasing number. Sequence zero is skipped so
// it never collides with an unset field.
func (b *backend) nextSeq() (uint64, error) {
	for {
		n, err := b.seq.Next()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

// withTx runs fn in a transaction, committing write transactions when fn
// succeeds
func (b *backend) withTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	if isWrite {
		return tx.Commit()
	}
	return nil
}

func getJob(tx *badger.Txn, id string) (*Job, error) {
	item, err := tx.Get(makeJobKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// putJob writes the job record and its index entry for the current state
func putJob(tx *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := tx.Set(makeJobKey(job.ID), data); err != nil {
		return err
	}
	return tx.Set(makeIndexKey(job), []byte(job.ID))
}

// moveJob rewrites a job that left the state it was indexed under
func moveJob(tx *badger.Txn, job *Job, prevIndexKey []byte) error {
	if err := tx.Delete(prevIndexKey); err != nil {
		return err
	}
	return putJob(tx, job)
}

func deleteJob(tx *badger.Txn, job *Job) error {
	if err := tx.Delete(makeIndexKey(job)); err != nil {
		return err
	}
	return tx.Delete(makeJobKey(job.ID))
}

// scanIndex calls fn with the job id of every index entry under prefix, in
// key order (or reverse), until fn returns false
func scanIndex(tx *badger.Txn, prefix string, reverse bool, fn func(key []byte, id string) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = reverse
	iter := tx.NewIterator(opts)
	defer iter.Close()

	start := []byte(prefix)
	if reverse {
		start = append([]byte(prefix), 0xFF)
	}

	for iter.Seek(start); iter.Valid(); iter.Next() {
		item := iter.Item()
		key := item.KeyCopy(nil)
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(key, string(id))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// countIndex counts index entries under prefix without reading values
func countIndex(tx *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	n := 0
	for iter.Rewind(); iter.Valid(); iter.Next() {
		n++
	}
	return n
}
