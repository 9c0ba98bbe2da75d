package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/internal/encoding"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Observation types.
const (
	ObsToolUse   = "tool_use"
	ObsDiscovery = "discovery"
	ObsDecision  = "decision"
	ObsError     = "error"
	ObsInsight   = "insight"
)

// RawIOLimit bounds stored raw tool input/output, in bytes.
const RawIOLimit = 2048

var validObsTypes = map[string]bool{
	ObsToolUse:   true,
	ObsDiscovery: true,
	ObsDecision:  true,
	ObsError:     true,
	ObsInsight:   true,
}

// Observation is an append-only record of a tool invocation or finding.
type Observation struct {
	ID              string
	ObservationType string
	ToolName        string
	Summary         string
	Embedding       []float32
	RawInput        string
	RawOutput       string
	SessionID       string
	BranchName      string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// ObservationInput is the write surface.
type ObservationInput struct {
	ObservationType string
	Summary         string
	ToolName        string
	RawInput        string
	RawOutput       string
	SessionID       string
	BranchName      string
	Metadata        map[string]any
}

// ObservationEngine appends observations. Rows are immutable once
// written; summary embedding is best-effort.
type ObservationEngine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	embedder provider.Embedder
	deadline time.Duration
}

// NewObservationEngine returns an observation engine.
func NewObservationEngine(st *storage.Store, embedder provider.Embedder, log *zap.SugaredLogger) *ObservationEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ObservationEngine{st: st, log: log, embedder: embedder, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (e *ObservationEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// Write appends one observation, truncating raw I/O to RawIOLimit.
func (e *ObservationEngine) Write(ctx context.Context, in ObservationInput) (*Observation, error) {
	const op = "observation.write"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if !validObsTypes[in.ObservationType] {
		return nil, errs.E(errs.InvalidArgument, op, "unknown observation type %q", in.ObservationType)
	}
	if in.Summary == "" {
		return nil, errs.E(errs.InvalidArgument, op, "summary is required")
	}
	if in.BranchName == "" {
		in.BranchName = storage.MainBranch
	}
	if err := requireBranch(ctx, e.st, op, in.BranchName); err != nil {
		return nil, err
	}

	obs := &Observation{
		ID:              uuid.New().String(),
		ObservationType: in.ObservationType,
		ToolName:        in.ToolName,
		Summary:         in.Summary,
		RawInput:        truncate(in.RawInput, RawIOLimit),
		RawOutput:       truncate(in.RawOutput, RawIOLimit),
		SessionID:       in.SessionID,
		BranchName:      in.BranchName,
		Metadata:        in.Metadata,
		CreatedAt:       time.Now().UTC(),
	}

	if e.embedder != nil {
		if vec, err := e.embedder.Embed(ctx, in.Summary); err != nil {
			e.log.Debugw("observation embedding skipped", "error", err)
		} else {
			obs.Embedding = vec
		}
	}

	physical, err := storage.ResolveTable("observations", in.BranchName)
	if err != nil {
		return nil, err
	}

	var blob any
	if obs.Embedding != nil {
		b, err := encoding.EncodeVector(obs.Embedding)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		blob = b
	}
	meta, err := encoding.EncodeMetadata(obs.Metadata)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	if _, err := e.st.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, observation_type, tool_name, summary, embedding,
			 raw_input, raw_output, session_id, branch_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, physical),
		obs.ID, obs.ObservationType, obs.ToolName, obs.Summary, blob,
		obs.RawInput, obs.RawOutput, obs.SessionID, obs.BranchName, meta,
		storage.FormatTime(obs.CreatedAt)); err != nil {
		return nil, err
	}
	if err := e.st.EnsureSession(ctx, in.SessionID, in.BranchName); err != nil {
		return nil, err
	}
	return obs, nil
}

// Get loads one observation.
func (e *ObservationEngine) Get(ctx context.Context, id, branch string) (*Observation, error) {
	const op = "observation.get"

	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("observations", branch)
	if err != nil {
		return nil, err
	}

	row := e.st.QueryRow(ctx, obsColumns+" FROM "+physical+" WHERE id = ?", id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "observation %q not found on branch %q", id, branch)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return o, nil
}

// ListWindow returns observations created inside [from, to), oldest
// first. Used by consolidation.
func (e *ObservationEngine) ListWindow(ctx context.Context, branch string, from, to time.Time, limit int) ([]*Observation, error) {
	const op = "observation.list_window"

	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("observations", branch)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := e.st.Query(ctx,
		obsColumns+" FROM "+physical+
			" WHERE created_at >= ? AND created_at < ? ORDER BY created_at, id LIMIT ?",
		storage.FormatTime(from), storage.FormatTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// truncate cuts s to at most limit bytes, backing off to a rune
// boundary so the result stays valid UTF-8.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

const obsColumns = `SELECT id, observation_type, tool_name, summary, embedding,
	raw_input, raw_output, session_id, branch_name, metadata, created_at`

func scanObservation(sc scanner) (*Observation, error) {
	var o Observation
	var blob []byte
	var meta, createdAt string
	if err := sc.Scan(&o.ID, &o.ObservationType, &o.ToolName, &o.Summary, &blob,
		&o.RawInput, &o.RawOutput, &o.SessionID, &o.BranchName, &meta, &createdAt); err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		if vec, err := encoding.DecodeVector(blob); err == nil {
			o.Embedding = vec
		}
	}
	if md, err := encoding.DecodeMetadata(meta); err == nil {
		o.Metadata = md
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		o.CreatedAt = t
	}
	return &o, nil
}
