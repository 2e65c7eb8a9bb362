// Package conflict provides conflict resolution for records edited both
// offline and on the remote authority.
package conflict

import (
	"reflect"
	"sort"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/uuid"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyRemoteWins takes the remote record except for the
	// per-table local overrides.
	ResolutionStrategyRemoteWins ResolutionStrategy = "remote_wins"
	// ResolutionStrategyLastWriteWins keeps whichever side has the newer
	// updatedAt, still honoring local overrides.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// ParseStrategy maps a config string onto a strategy, defaulting to
// remote_wins.
func ParseStrategy(s string) ResolutionStrategy {
	if ResolutionStrategy(s) == ResolutionStrategyLastWriteWins {
		return ResolutionStrategyLastWriteWins
	}
	return ResolutionStrategyRemoteWins
}

// CompletionPolicy selects how tasks.completed is merged.
type CompletionPolicy string

const (
	// CompletionLocal keeps the local completion flag on mismatch.
	CompletionLocal CompletionPolicy = "local"
	// CompletionLatest takes the flag from the side with the newer updatedAt.
	CompletionLatest CompletionPolicy = "latest"
)

// Overrides lists, per table, the fields where the local value wins.
type Overrides map[models.Table][]string

// DefaultOverrides keeps device-local user customizations and the local
// task completion state.
func DefaultOverrides() Overrides {
	return Overrides{
		models.TableUsers: {"settings", "preferences"},
		models.TableTasks: {"completed"},
	}
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy  ResolutionStrategy
	policy    CompletionPolicy
	overrides Overrides
	now       func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCompletionPolicy sets the tasks.completed policy.
func WithCompletionPolicy(p CompletionPolicy) Option {
	return func(r *Resolver) {
		if p == CompletionLatest {
			r.policy = CompletionLatest
		}
	}
}

// WithOverrides replaces the per-table local-wins fields.
func WithOverrides(o Overrides) Option {
	return func(r *Resolver) {
		r.overrides = o
	}
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy, opts ...Option) *Resolver {
	r := &Resolver{
		strategy:  strategy,
		policy:    CompletionLocal,
		overrides: DefaultOverrides(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict represents a detected conflict between local and remote state.
type Conflict struct {
	Table           models.Table
	RecordID        string
	Local           models.Record
	Remote          models.Record
	LocalVersion    int64
	RemoteVersion   int64
	LocalTimestamp  int64
	RemoteTimestamp int64
	DetectedAt      int64
}

// FieldConflict describes one field whose values differed.
type FieldConflict struct {
	Field       string      `json:"field"`
	LocalValue  interface{} `json:"localValue"`
	RemoteValue interface{} `json:"remoteValue"`
	Winner      string      `json:"winner"` // local, remote
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Merged      models.Record
	Strategy    ResolutionStrategy
	Resolution  string // remote_wins, local_wins, merged
	Fields      []FieldConflict
	ConflictLog *models.ConflictLog // Log entry for awareness
}

// DetectConflict reports a conflict when both sides exist and their
// versions differ.
func (r *Resolver) DetectConflict(table models.Table, local, remote models.Record) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if local.Version() == remote.Version() {
		return nil, false
	}

	c := &Conflict{
		Table:           table,
		RecordID:        remote.ID(),
		Local:           local,
		Remote:          remote,
		LocalVersion:    local.Version(),
		RemoteVersion:   remote.Version(),
		LocalTimestamp:  local.UpdatedAt(),
		RemoteTimestamp: remote.UpdatedAt(),
		DetectedAt:      r.now().UnixMilli(),
	}
	if c.RecordID == "" {
		c.RecordID = local.ID()
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"table":            string(table),
			"record_id":        c.RecordID,
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
			"local_version":    c.LocalVersion,
			"remote_version":   c.RemoteVersion,
		})

	return c, true
}

// Resolve merges local and remote into a new record. Neither input is
// modified.
func (r *Resolver) Resolve(local, remote models.Record, table models.Table) models.Record {
	merged, _ := r.merge(local, remote, table)
	return merged
}

// ResolveConflict resolves c and builds its conflict log entry.
func (r *Resolver) ResolveConflict(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if id := c.Local.ID(); id != "" && c.Remote.ID() != "" && id != c.Remote.ID() {
		return nil, ErrItemIDMismatch
	}

	merged, fields := r.merge(c.Local, c.Remote, c.Table)

	resolution := "remote_wins"
	localWins, remoteWins := 0, 0
	for _, f := range fields {
		if f.Winner == "local" {
			localWins++
		} else {
			remoteWins++
		}
	}
	switch {
	case localWins > 0 && remoteWins > 0:
		resolution = "merged"
	case localWins > 0:
		resolution = "local_wins"
	}

	log := &models.ConflictLog{
		ID:              uuid.New(),
		Table:           string(c.Table),
		RecordID:        c.RecordID,
		LocalVersion:    c.LocalVersion,
		RemoteVersion:   c.RemoteVersion,
		LocalTimestamp:  c.LocalTimestamp,
		RemoteTimestamp: c.RemoteTimestamp,
		Resolution:      resolution,
		DetectedAt:      c.DetectedAt,
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = r.now().UnixMilli()
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"table":      string(c.Table),
			"record_id":  c.RecordID,
			"strategy":   r.strategy,
			"resolution": resolution,
			"fields":     len(fields),
		})

	return &ResolveResult{
		Merged:      merged,
		Strategy:    r.strategy,
		Resolution:  resolution,
		Fields:      fields,
		ConflictLog: log,
	}, nil
}

// ResolveMultiple resolves multiple conflicts in batch.
func (r *Resolver) ResolveMultiple(conflicts []*Conflict) ([]*ResolveResult, error) {
	results := make([]*ResolveResult, 0, len(conflicts))
	for _, c := range conflicts {
		result, err := r.ResolveConflict(c)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *Resolver) merge(local, remote models.Record, table models.Table) (models.Record, []FieldConflict) {
	if remote == nil {
		return local.Clone(), nil
	}
	if local == nil {
		return remote.Clone(), nil
	}

	base, baseSide := remote, "remote"
	if r.strategy == ResolutionStrategyLastWriteWins && local.UpdatedAt() > remote.UpdatedAt() {
		base, baseSide = local, "local"
	}

	merged := base.Clone()
	// The authority owns identity and revision.
	for _, f := range []string{models.FieldID, models.FieldVersion} {
		if v, ok := remote[f]; ok {
			merged[f] = v
		}
	}

	localFields := make(map[string]bool)
	for _, f := range r.overrides[table] {
		if _, ok := local[f]; !ok {
			continue
		}
		if table == models.TableTasks && f == "completed" && r.policy == CompletionLatest &&
			remote.UpdatedAt() > local.UpdatedAt() {
			continue
		}
		localFields[f] = true
	}

	var fields []FieldConflict
	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		if k == models.FieldID || k == models.FieldVersion {
			continue
		}
		lv, lok := local[k]
		rv, rok := remote[k]
		differs := lok != rok || !reflect.DeepEqual(lv, rv)

		winner := baseSide
		if localFields[k] {
			winner = "local"
			merged[k] = models.Record{k: lv}.Clone()[k]
		}
		if differs {
			fields = append(fields, FieldConflict{Field: k, LocalValue: lv, RemoteValue: rv, Winner: winner})
		}
	}
	return merged, fields
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "record ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
