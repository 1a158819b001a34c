// Package storage implements the KV-backed cache for authorization
// decisions and usage reports, including the atomic snapshot-and-rename
// flush protocol that hands usage deltas off to a caller for upstream
// reporting without losing data on a partial failure.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3scale/authflush/pkg/authflush"
)

// BATCH bounds how many keys a single flush round reads/deletes in one
// pipeline, so a large backlog cannot build one unbounded Redis command.
const BATCH = 500

// DefaultDeleteRetryInterval is used when Storage.DeleteRetryInterval is
// left at its zero value.
const DefaultDeleteRetryInterval = 100 * time.Millisecond

// DefaultDeleteRetries bounds how many times a failed delete is retried
// before the flush gives up on that key, logs it as a cleanup error and
// returns it to the caller among the failed keys.
const DefaultDeleteRetries = 3

// Metrics is the narrow boundary Storage reports flush telemetry through,
// satisfied by *metrics.Reporter in production. It is optional: a nil Metrics
// on Storage falls back to a no-op implementation.
type Metrics interface {
	ObserveFlush(outcome string, d time.Duration, drained int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFlush(string, time.Duration, int) {}

// RenewAuthError wraps a failure writing a freshly renewed set of
// authorization decisions to the cache.
type RenewAuthError struct {
	Service string
	Err     error
}

func (e *RenewAuthError) Error() string {
	return fmt.Sprintf("storage: failed to write auth cache for service %s: %s", e.Service, e.Err)
}

func (e *RenewAuthError) Unwrap() error { return e.Err }

// UsageReport is one flushed application's accumulated, not-yet-reported
// usage deltas, recovered from its report hash key.
type UsageReport struct {
	ServiceID   string
	Credentials authflush.Credentials
	Deltas      map[string]int64
}

// Storage is the KV-backed cache and flush protocol described by the
// renewer's contract. It holds three narrow concerns: writing renewed
// authorization decisions, accumulating usage deltas, and atomically
// handing off the accumulated deltas for a flush cycle.
type Storage struct {
	client  *redis.Client
	keys    authflush.KeyNamer
	authTTL time.Duration
	logger  *zap.SugaredLogger
	metrics Metrics

	// DeleteRetryInterval overrides the constant backoff interval used when
	// retrying a failed delete during a flush. Tests set this near zero;
	// production leaves it at DefaultDeleteRetryInterval.
	DeleteRetryInterval time.Duration
	// DeleteRetries overrides how many times a failed delete is retried.
	DeleteRetries int
	// SuffixFunc overrides how a flush cycle derives its unique suffix.
	// Tests set a deterministic one; production leaves it nil and gets a
	// UTC-timestamp suffix, unique under any sane flush cadence.
	SuffixFunc func() string
}

// flushSuffix is the default SuffixFunc: "_" plus the current UTC time as
// YYYYMMDDHHMMSS.
func flushSuffix() string {
	return "_" + time.Now().UTC().Format("20060102150405")
}

// New returns a Storage backed by client, with authorization cache entries
// expiring after authTTL. A nil logger falls back to a no-op one.
func New(client *redis.Client, logger *zap.SugaredLogger, authTTL time.Duration) *Storage {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Storage{
		client:              client,
		authTTL:             authTTL,
		logger:              logger,
		metrics:             noopMetrics{},
		DeleteRetryInterval: DefaultDeleteRetryInterval,
		DeleteRetries:       DefaultDeleteRetries,
	}
}

// WithMetrics sets the Metrics reporter used to observe flush cycles. It
// returns s for chaining at construction time.
func (s *Storage) WithMetrics(m Metrics) *Storage {
	if m != nil {
		s.metrics = m
	}
	return s
}

// RenewAuths overwrites every metric decision for (service, creds), writing
// at most BATCH fields per hash write so a huge application cannot block the
// KV server on a single command, then refreshes the hash's TTL so every
// metric in the application expires together. A KV failure part-way leaves a
// partially written hash; the next renewal overwrites it.
func (s *Storage) RenewAuths(ctx context.Context, service string, creds authflush.Credentials, decisions map[string]authflush.Authorization) error {
	if len(decisions) == 0 {
		return nil
	}

	key := s.keys.AuthHashKey(service, creds)

	pairs := make([]interface{}, 0, 2*len(decisions))
	for metric, decision := range decisions {
		pairs = append(pairs, metric, decision.String())
	}

	for i := 0; i < len(pairs); i += 2 * BATCH {
		end := i + 2*BATCH
		if end > len(pairs) {
			end = len(pairs)
		}
		if err := s.client.HSet(ctx, key, pairs[i:end]...).Err(); err != nil {
			return &RenewAuthError{Service: service, Err: err}
		}
	}

	if err := s.client.Expire(ctx, key, s.authTTL).Err(); err != nil {
		return &RenewAuthError{Service: service, Err: err}
	}
	return nil
}

// CachedAuth returns the cached decision for (service, creds, metric), and
// false if there is no cache entry (a true cache miss, distinct from a
// cached deny).
func (s *Storage) CachedAuth(ctx context.Context, service string, creds authflush.Credentials, metric string) (authflush.Authorization, bool, error) {
	key := s.keys.AuthHashKey(service, creds)

	raw, err := s.client.HGet(ctx, key, metric).Result()
	if err == redis.Nil {
		return authflush.Authorization{}, false, nil
	}
	if err != nil {
		return authflush.Authorization{}, false, fmt.Errorf("storage: reading cached auth: %w", err)
	}

	auth, err := authflush.ParseAuthorization(raw)
	if err != nil {
		return authflush.Authorization{}, false, fmt.Errorf("storage: parsing cached auth: %w", err)
	}
	return auth, true, nil
}

// Report is one application's usage deltas to accumulate for a later flush.
type Report struct {
	ServiceID   string
	Credentials authflush.Credentials
	Usage       map[string]int64
}

// Report accumulates every report's usage deltas via atomic field
// increments and marks each report hash as awaiting a flush by re-adding
// its key to ReportKeysSet on every call. The re-add is load-bearing: a
// key whose rename failed during a previous flush regains membership here
// and is picked up by a later cycle. Commands are pipelined in BATCH-sized
// groups.
func (s *Storage) Report(ctx context.Context, reports []Report) error {
	pipe := s.client.Pipeline()
	queued := 0

	for _, r := range reports {
		key := s.keys.ReportHashKey(r.ServiceID, r.Credentials)
		for metric, delta := range r.Usage {
			pipe.HIncrBy(ctx, key, metric, delta)
			queued++
		}
		pipe.SAdd(ctx, authflush.ReportKeysSet, key)
		queued++

		if queued >= BATCH {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("storage: reporting usage: %w", err)
			}
			pipe = s.client.Pipeline()
			queued = 0
		}
	}

	if queued > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("storage: reporting usage: %w", err)
		}
	}
	return nil
}

// ReportsToFlush atomically hands off every report hash currently pending
// a flush, using a snapshot-and-rename protocol so a concurrent Report call
// can never be lost and a failure at any stage leaves data recoverable
// under a deterministic name rather than deleted outright.
//
// Protocol, named after the unique suffix applied to every key for this
// cycle (a fresh UTC-timestamp suffix by default):
//  1. if ReportKeysSet is empty there is nothing to flush.
//  2. rename ReportKeysSet to FlushingReportKeysSet(suffix) — this is the
//     atomic handoff point; a Report call racing this rename either lands
//     in the old (now renamed) set or starts a fresh ReportKeysSet, never
//     both and never neither.
//  3. read the members of the flushing set, then delete it.
//  4. pipeline-rename each report hash key to NameKeyToFlush(key, suffix)
//     in BATCH-sized groups. A key whose rename fails stays under its
//     original name and regains ReportKeysSet membership on the next Report
//     call, so a later cycle picks it up.
//  5. in BATCH-sized groups, HGETALL each renamed key and delete it once
//     read. A key that fails to read or delete is left under its
//     to_flush:<suffix> name instead of being silently dropped, and is
//     returned to the caller as a failed key for a later retry.
func (s *Storage) ReportsToFlush(ctx context.Context) ([]UsageReport, []string, error) {
	start := time.Now()
	outcome := "error"
	drained := 0
	defer func() { s.metrics.ObserveFlush(outcome, time.Since(start), drained) }()

	suffixFunc := s.SuffixFunc
	if suffixFunc == nil {
		suffixFunc = flushSuffix
	}
	suffix := suffixFunc()
	flushingSet := s.keys.FlushingReportKeysSet(suffix)

	pending, err := s.client.SCard(ctx, authflush.ReportKeysSet).Result()
	if err != nil {
		s.logger.Errorw("flush: reading report_keys cardinality failed", "suffix", suffix, "error", err)
		return nil, nil, nil
	}
	if pending == 0 {
		outcome = "empty"
		return nil, nil, nil
	}

	if err := s.client.Rename(ctx, authflush.ReportKeysSet, flushingSet).Err(); err != nil {
		if err == redis.Nil || isMissingKey(err) {
			outcome = "empty"
			return nil, nil, nil
		}
		s.logger.Errorw("flush: renaming report_keys failed", "suffix", suffix, "error", err)
		return nil, nil, nil
	}

	members, err := s.client.SMembers(ctx, flushingSet).Result()
	if err != nil {
		s.logger.Errorw("flush: reading flushing report keys failed", "suffix", suffix, "set", flushingSet, "error", err)
		return nil, nil, nil
	}
	if err := s.client.Del(ctx, flushingSet).Err(); err != nil {
		s.logger.Errorw("flush: deleting flushing report keys set failed", "suffix", suffix, "set", flushingSet, "error", err)
		return nil, nil, fmt.Errorf("storage: deleting flushing report keys set: %w", err)
	}

	if len(members) == 0 {
		outcome = "empty"
		return nil, nil, nil
	}

	var flushedKeys []string
	for i := 0; i < len(members); i += BATCH {
		end := i + BATCH
		if end > len(members) {
			end = len(members)
		}

		batch := members[i:end]
		renamed := make([]string, 0, len(batch))
		renamePipe := s.client.Pipeline()
		for _, key := range batch {
			flushed := s.keys.NameKeyToFlush(key, suffix)
			renamePipe.Rename(ctx, key, flushed)
			renamed = append(renamed, flushed)
		}
		renameResults, err := renamePipe.Exec(ctx)
		if err != nil {
			// Some renames may have failed (e.g. the key was already flushed
			// and emptied by a prior crashed cycle); keep only the ones that
			// actually landed under their to_flush name.
			s.logger.Warnw("flush: some report key renames failed; unrenamed keys remain for a later cycle", "suffix", suffix, "error", err)
			renamed = survivingRenames(renamed, renameResults)
		}
		flushedKeys = append(flushedKeys, renamed...)
	}

	var reports []UsageReport
	var failedKeys []string

	for i := 0; i < len(flushedKeys); i += BATCH {
		end := i + BATCH
		if end > len(flushedKeys) {
			end = len(flushedKeys)
		}
		batch := flushedKeys[i:end]

		batchReports, batchFailed := s.flushBatch(ctx, batch, suffix)
		reports = append(reports, batchReports...)
		failedKeys = append(failedKeys, batchFailed...)
	}

	drained = len(reports)
	if len(failedKeys) > 0 {
		outcome = "partial"
	} else {
		outcome = "ok"
	}
	return reports, failedKeys, nil
}

func (s *Storage) flushBatch(ctx context.Context, keys []string, suffix string) ([]UsageReport, []string) {
	readPipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = readPipe.HGetAll(ctx, key)
	}
	readPipe.Exec(ctx)

	var reports []UsageReport
	var failed []string
	var missing []string

	for i, key := range keys {
		fields, err := cmds[i].Result()
		if err != nil {
			missing = append(missing, key)
			failed = append(failed, key)
			continue
		}
		if len(fields) == 0 {
			// An empty hash does not exist in the KV store, so there is
			// nothing to report and nothing to delete.
			continue
		}

		service, creds, err := s.keys.ServiceAndCreds(key, suffix)
		if err != nil {
			s.logger.Errorw("flush: could not parse service/credentials from flushed key", "key", key, "suffix", suffix, "error", err)
			missing = append(missing, key)
			failed = append(failed, key)
			continue
		}

		deltas := make(map[string]int64, len(fields))
		for metric, value := range fields {
			var n int64
			if _, scanErr := fmt.Sscanf(value, "%d", &n); scanErr == nil {
				deltas[metric] = n
			}
		}

		if err := s.deleteWithRetry(ctx, key); err != nil {
			s.logger.Errorw("cleanup error", "key", key, "suffix", suffix, "error", err)
			failed = append(failed, key)
			continue
		}

		reports = append(reports, UsageReport{ServiceID: service, Credentials: creds, Deltas: deltas})
	}

	if len(missing) > 0 {
		s.logger.Warnw("some reports missing", "suffix", suffix, "keys", missing)
	}

	return reports, failed
}

// deleteWithRetry retries a failed delete with a constant backoff so a
// transient KV-store error during a flush does not leave a to_flush key
// both read and un-deleted; such a key is left out of the returned reports
// and handed back as a failed key.
func (s *Storage) deleteWithRetry(ctx context.Context, key string) error {
	interval := s.DeleteRetryInterval
	if interval == 0 {
		interval = DefaultDeleteRetryInterval
	}
	retries := s.DeleteRetries
	if retries == 0 {
		retries = DefaultDeleteRetries
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries))

	return backoff.Retry(func() error {
		return s.client.Del(ctx, key).Err()
	}, b)
}

func isMissingKey(err error) bool {
	return err != nil && err.Error() == "ERR no such key"
}

func survivingRenames(keys []string, results []redis.Cmder) []string {
	if len(results) != len(keys) {
		return keys
	}
	surviving := make([]string, 0, len(keys))
	for i, cmd := range results {
		if cmd.Err() == nil {
			surviving = append(surviving, keys[i])
		}
	}
	return surviving
}
