// Package badgerstore keeps barrier decisions in an embedded badger database
// for deployments without PostgreSQL.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

const (
	// DefaultListLimit caps ListDecisions when no limit is supplied.
	DefaultListLimit = 100
	maxListLimit     = 1000

	decisionPrefix = "decision/"
	resolvedPrefix = "resolved/"
)

// Config selects where decisions live. An empty Dir keeps them in memory.
type Config struct {
	Dir       string
	Retention time.Duration
}

// Store persists settled barrier decisions in badger.
//
// Keys:
//
//	decision/<eventID>                 JSON decision
//	resolved/<unix nanos BE>/<eventID> index for newest-first listing
type Store struct {
	db        *badger.DB
	retention time.Duration
	logger    zerolog.Logger
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	logger := logging.Component("badgerstore")
	dir := strings.TrimSpace(cfg.Dir)
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger: logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("decision log: open %q: %w", dir, err)
	}
	return &Store{db: db, retention: cfg.Retention, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decisionKey(eventID string) []byte {
	return []byte(decisionPrefix + eventID)
}

func resolvedKey(at time.Time, eventID string) []byte {
	key := make([]byte, 0, len(resolvedPrefix)+9+len(eventID))
	key = append(key, resolvedPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UTC().UnixNano()))
	key = append(key, '/')
	return append(key, eventID...)
}

func (s *Store) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

// RecordDecision upserts a settled barrier keyed by its event ID.
func (s *Store) RecordDecision(ctx context.Context, decision schema.BarrierDecision) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(decision.EventID) == "" {
		return errs.New("decisions/record", errs.CodeInvalid, errs.WithMessage("decision event id required"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if decision.Responses == nil {
		decision.Responses = []schema.BarrierResponse{}
	}
	decision.CreatedAt = decision.CreatedAt.UTC()
	decision.ResolvedAt = decision.ResolvedAt.UTC()
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("decision log: encode: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		previous, found, err := getDecision(txn, decision.EventID)
		if err != nil {
			return err
		}
		if found {
			if err := txn.Delete(resolvedKey(previous.ResolvedAt, previous.EventID)); err != nil {
				return fmt.Errorf("drop index: %w", err)
			}
		}
		if err := txn.SetEntry(s.entry(decisionKey(decision.EventID), payload)); err != nil {
			return fmt.Errorf("set decision: %w", err)
		}
		return txn.SetEntry(s.entry(resolvedKey(decision.ResolvedAt, decision.EventID), []byte(decision.EventID)))
	})
	if err != nil {
		return fmt.Errorf("decision log: record: %w", err)
	}
	return nil
}

// ListDecisions returns the most recently resolved decisions first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]schema.BarrierDecision, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	out := make([]schema.BarrierDecision, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(resolvedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(resolvedPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			eventID, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			decision, found, err := getDecision(txn, string(eventID))
			if err != nil {
				return err
			}
			if found {
				out = append(out, decision)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decision log: list: %w", err)
	}
	return out, nil
}

// GetDecision loads a single decision.
func (s *Store) GetDecision(_ context.Context, eventID string) (schema.BarrierDecision, error) {
	if err := s.ensureOpen(); err != nil {
		return schema.BarrierDecision{}, err
	}
	var (
		decision schema.BarrierDecision
		found    bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		decision, found, err = getDecision(txn, eventID)
		return err
	})
	if err != nil {
		return schema.BarrierDecision{}, fmt.Errorf("decision log: get: %w", err)
	}
	if !found {
		return schema.BarrierDecision{}, errs.New("decisions/get", errs.CodeNotFound,
			errs.WithHTTP(404),
			errs.WithMessage("decision not found"),
			errs.WithField("event_id", eventID))
	}
	return decision, nil
}

func getDecision(txn *badger.Txn, eventID string) (schema.BarrierDecision, bool, error) {
	var decision schema.BarrierDecision
	item, err := txn.Get(decisionKey(eventID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return decision, false, nil
	}
	if err != nil {
		return decision, false, fmt.Errorf("get decision: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &decision)
	})
	if err != nil {
		return decision, false, fmt.Errorf("decode decision: %w", err)
	}
	return decision, true, nil
}

func (s *Store) ensureOpen() error {
	if s == nil || s.db == nil {
		return errs.New("decisions", errs.CodeUnavailable, errs.WithMessage("decision log not configured"))
	}
	return nil
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}
