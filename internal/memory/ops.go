package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sl4m3/ledgermind/internal/audit"
	"github.com/sl4m3/ledgermind/internal/auditlog"
	"github.com/sl4m3/ledgermind/internal/idgen"
	"github.com/sl4m3/ledgermind/internal/integrity"
	"github.com/sl4m3/ledgermind/internal/lifecycle"
	"github.com/sl4m3/ledgermind/internal/resolve"
	"github.com/sl4m3/ledgermind/internal/txn"
	"github.com/sl4m3/ledgermind/internal/types"
)

// RecordInput carries the caller-supplied fields of a new record.
type RecordInput struct {
	Title        string
	Target       string
	Rationale    string
	Consequences []string
	Authority    types.Authority
	Actor        string
}

// RecordDecision writes a new active decision. An existing active record
// for the target surfaces types.ErrConflict: the caller must supersede
// explicitly.
func (s *Store) RecordDecision(ctx context.Context, in RecordInput) (string, error) {
	id, err := s.writeNew(ctx, in, types.KindDecision, types.StatusActive, nil)
	s.audit(&audit.Entry{
		Op: OpRecord, Actor: in.Actor, Authority: string(in.Authority),
		RecordID: id, Target: in.Target, Error: errString(err),
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpRecord, RecordID: id, Target: in.Target})
	}
	return id, err
}

// RecordProposal writes a record with proposal status. Proposals do not
// contend for the target's active slot until accepted.
func (s *Store) RecordProposal(ctx context.Context, in RecordInput) (string, error) {
	id, err := s.writeNew(ctx, in, types.KindProposal, types.StatusProposal, nil)
	s.audit(&audit.Entry{
		Op: "propose", Actor: in.Actor, Authority: string(in.Authority),
		RecordID: id, Target: in.Target, Error: errString(err),
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpRecord, RecordID: id, Target: in.Target})
	}
	return id, err
}

// SupersedeInput extends RecordInput with the records being replaced.
type SupersedeInput struct {
	RecordInput
	OldIDs []string
}

// SupersedeDecision writes a new active decision that supersedes OldIDs.
// The caller's intent is validated against the detected conflict set; the
// write then flips the old records to superseded and adds the edges, all
// in one transaction.
func (s *Store) SupersedeDecision(ctx context.Context, in SupersedeInput) (string, error) {
	id, err := s.supersede(ctx, in)
	s.audit(&audit.Entry{
		Op: OpSupersede, Actor: in.Actor, Authority: string(in.Authority),
		RecordID: id, Target: in.Target, Error: errString(err),
		Extra: map[string]any{"old_ids": in.OldIDs},
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpSupersede, RecordID: id, Target: in.Target})
	}
	return id, err
}

func (s *Store) supersede(ctx context.Context, in SupersedeInput) (string, error) {
	if err := s.cooldown(ctx, in.Authority); err != nil {
		return "", err
	}
	target, err := s.reg.Resolve(in.Target, true)
	if err != nil {
		return "", err
	}

	olds, err := s.idx.GetBatch(ctx, in.OldIDs)
	if err != nil {
		return "", err
	}
	for _, oldID := range in.OldIDs {
		if _, ok := olds[oldID]; !ok {
			return "", fmt.Errorf("supersede target %s: %w", oldID, types.ErrNotFound)
		}
	}

	// Validate intent against the detected conflict set (the target's
	// current active record, when it is not among the olds already).
	var detected []string
	active, err := s.idx.FindActiveByTarget(ctx, target)
	if err != nil {
		return "", err
	}
	if active != nil {
		detected = append(detected, active.ID)
	}
	var proposedActive []string
	for _, oldID := range in.OldIDs {
		if olds[oldID].Status == types.StatusActive {
			proposedActive = append(proposedActive, oldID)
		}
	}
	switch resolve.ValidateIntent(proposedActive, detected) {
	case types.IntentAbort:
		return "", fmt.Errorf("target %s has an active record not named in old_ids: %w", target, types.ErrConflict)
	case types.IntentInvalidSubset:
		return "", fmt.Errorf("old_ids name active records outside target %s's conflict set: %w", target, types.ErrConflict)
	}

	now := time.Now().UTC()
	rec := &types.Record{
		Kind:         types.KindDecision,
		Title:        in.Title,
		Target:       target,
		Rationale:    in.Rationale,
		Consequences: in.Consequences,
		Status:       types.StatusActive,
		Authority:    in.Authority,
		Phase:        types.PhasePattern,
		Vitality:     lifecycle.InitialVitality,
		CreatedAt:    now,
		UpdatedAt:    now,
		Supersedes:   in.OldIDs,
	}
	if err := s.assignID(ctx, rec, in.Actor); err != nil {
		return "", err
	}

	embed, err := s.opts.Provider.Embed(ctx, embedText(rec))
	if err != nil {
		return "", fmt.Errorf("failed to embed record: %w", err)
	}

	// Old records flip first so the new active row never coexists with
	// the previous one under the one-active index.
	var writeRecords []*types.Record
	for _, oldID := range in.OldIDs {
		old := olds[oldID]
		if old.Status == types.StatusActive || old.Status == types.StatusProposal {
			old.Status = types.StatusSuperseded
		}
		old.UpdatedAt = now
		writeRecords = append(writeRecords, old)
	}
	writeRecords = append(writeRecords, rec)

	w := &txn.Write{
		Records: writeRecords,
		Embeds:  map[string][]float32{rec.ID: embed},
		Message: fmt.Sprintf("supersede %s", strings.Join(in.OldIDs, ",")),
		Apply: func(ctx context.Context) error {
			if err := integrity.Check(ctx, s.idx, &integrity.Mutation{
				Record:     rec,
				Supersede:  true,
				OldRecords: olds,
			}); err != nil {
				return err
			}
			for _, r := range writeRecords {
				if err := s.idx.Upsert(ctx, r); err != nil {
					return err
				}
				if err := s.idx.SetFileID(ctx, r.ID, auditlog.FileID(r.ID)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if err := s.txn.Commit(ctx, w); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// AcceptProposal turns a proposal into a fresh decision record. The new
// record supersedes the proposal (supersedes[0]) and, when present, the
// target's current active record. Enforces the review window (I5) and
// the evidence threshold (I6).
func (s *Store) AcceptProposal(ctx context.Context, proposalID, actor string) (string, error) {
	id, err := s.accept(ctx, proposalID, actor)
	s.audit(&audit.Entry{
		Op: OpAccept, Actor: actor, RecordID: id, Error: errString(err),
		Extra: map[string]any{"proposal_id": proposalID},
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpAccept, RecordID: id})
	}
	return id, err
}

func (s *Store) accept(ctx context.Context, proposalID, actor string) (string, error) {
	prop, err := s.idx.Get(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if prop.Status != types.StatusProposal {
		return "", fmt.Errorf("record %s has status %s, not proposal", proposalID, prop.Status)
	}
	if err := s.cooldown(ctx, prop.Authority); err != nil {
		return "", err
	}

	evidenceCount, err := s.idx.CountLinks(ctx, prop.Target)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	oldIDs := []string{proposalID}
	olds := map[string]*types.Record{proposalID: prop}
	active, err := s.idx.FindActiveByTarget(ctx, prop.Target)
	if err != nil {
		return "", err
	}
	if active != nil {
		oldIDs = append(oldIDs, active.ID)
		olds[active.ID] = active
	}

	rec := &types.Record{
		Kind:         types.KindDecision,
		Title:        prop.Title,
		Target:       prop.Target,
		Rationale:    prop.Rationale,
		Consequences: prop.Consequences,
		Status:       types.StatusActive,
		Authority:    prop.Authority,
		Phase:        types.PhasePattern,
		Vitality:     lifecycle.InitialVitality,
		CreatedAt:    now,
		UpdatedAt:    now,
		Supersedes:   oldIDs,
		Evidence:     prop.Evidence,
	}
	if err := s.assignID(ctx, rec, actor); err != nil {
		return "", err
	}

	embed, err := s.opts.Provider.Embed(ctx, embedText(rec))
	if err != nil {
		return "", fmt.Errorf("failed to embed record: %w", err)
	}

	// Olds flip before the new active row lands (one-active index).
	var writeRecords []*types.Record
	for _, oldID := range oldIDs {
		old := olds[oldID]
		old.Status = types.StatusSuperseded
		old.UpdatedAt = now
		writeRecords = append(writeRecords, old)
	}
	writeRecords = append(writeRecords, rec)

	w := &txn.Write{
		Records: writeRecords,
		Embeds:  map[string][]float32{rec.ID: embed},
		Message: fmt.Sprintf("accept %s", proposalID),
		Apply: func(ctx context.Context) error {
			if err := integrity.Check(ctx, s.idx, &integrity.Mutation{
				Record:     rec,
				Supersede:  true,
				OldRecords: olds,
				Acceptance: &integrity.AcceptanceContext{
					ProposalCreatedAt: prop.CreatedAt,
					AcceptedAt:        now,
					ReviewWindow:      s.opts.ReviewWindow,
					EvidenceCount:     evidenceCount,
					MinEvidence:       s.opts.MinEvidence,
				},
			}); err != nil {
				return err
			}
			for _, r := range writeRecords {
				if err := s.idx.Upsert(ctx, r); err != nil {
					return err
				}
				if err := s.idx.SetFileID(ctx, r.ID, auditlog.FileID(r.ID)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if err := s.txn.Commit(ctx, w); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// LinkEvidence attaches an episodic event to the target's active record
// and bumps that record's vitality. The event must already exist.
func (s *Store) LinkEvidence(ctx context.Context, eventID, target string) error {
	err := s.linkEvidence(ctx, eventID, target)
	s.audit(&audit.Entry{
		Op: OpLink, Target: target, Error: errString(err),
		Extra: map[string]any{"event_id": eventID},
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpLink, Target: target})
	}
	return err
}

func (s *Store) linkEvidence(ctx context.Context, eventID, target string) error {
	key, err := s.reg.Resolve(target, false)
	if err != nil {
		return fmt.Errorf("%v: %w", err, types.ErrNotFound)
	}
	if _, err := s.epi.GetEvent(ctx, eventID); err != nil {
		return err
	}

	active, err := s.idx.FindActiveByTarget(ctx, key)
	if err != nil {
		return err
	}
	if active == nil {
		// No active record yet: evidence attaches to the target's
		// pending proposal so acceptance (I6) has something to count.
		proposals, err := s.idx.List(ctx, types.StatusProposal)
		if err != nil {
			return err
		}
		for _, p := range proposals {
			if p.Target == key {
				active = p
				break
			}
		}
	}
	if active == nil {
		return fmt.Errorf("no active record or proposal for target %s: %w", key, types.ErrNotFound)
	}

	active.Evidence = appendUnique(active.Evidence, eventID)
	active.Vitality = lifecycle.Boost(active.Vitality)
	active.UpdatedAt = time.Now().UTC()

	w := &txn.Write{
		Records: []*types.Record{active},
		Message: fmt.Sprintf("link %s", eventID),
		Apply: func(ctx context.Context) error {
			if err := s.idx.Upsert(ctx, active); err != nil {
				return err
			}
			return s.idx.SetFileID(ctx, active.ID, auditlog.FileID(active.ID))
		},
	}
	if err := s.txn.Commit(ctx, w); err != nil {
		return err
	}
	return s.epi.LinkTarget(ctx, eventID, key)
}

// AddEvent appends an episodic event. Events are append-only and do not
// go through the write transaction: they are lock-free for readers and
// independent of record state.
func (s *Store) AddEvent(ctx context.Context, ev *types.Event) (string, error) {
	for i, t := range ev.LinkedTargets {
		key, err := s.reg.Resolve(t, true)
		if err != nil {
			return "", err
		}
		ev.LinkedTargets[i] = key
	}
	if err := s.epi.AddEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// Purge hard-deletes a record: index row removed, vector tombstoned, and
// a purge commit appended to the log. Agents may not purge.
func (s *Store) Purge(ctx context.Context, id string, authority types.Authority, actor string) error {
	err := s.purge(ctx, id, authority)
	s.audit(&audit.Entry{
		Op: OpPurge, Actor: actor, Authority: string(authority),
		RecordID: id, Error: errString(err),
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpPurge, RecordID: id})
	}
	return err
}

func (s *Store) purge(ctx context.Context, id string, authority types.Authority) error {
	if authority == types.AuthorityAgent {
		return fmt.Errorf("agents may not purge records: %w", types.ErrPermissionDenied)
	}
	rec, err := s.idx.Get(ctx, id)
	if err != nil {
		return err
	}
	// Purge authority must rank at least the record's own.
	if authority.Rank() < rec.Authority.Rank() {
		return fmt.Errorf("%s may not purge %s-authored record: %w", authority, rec.Authority, types.ErrPermissionDenied)
	}

	w := &txn.Write{
		Purge:      []*types.Record{rec},
		Tombstones: []string{id},
		Message:    fmt.Sprintf("purge %s", id),
		Apply: func(ctx context.Context) error {
			return s.idx.Delete(ctx, id)
		},
	}
	return s.txn.Commit(ctx, w)
}

// Demote moves a record to deprecated. One code path serves both the
// API and the background lifecycle; the mode is recorded in the trail.
func (s *Store) Demote(ctx context.Context, id string, mode types.DemoteMode, actor string) error {
	err := s.demote(ctx, id)
	s.audit(&audit.Entry{
		Op: OpDemote, Actor: actor, RecordID: id, Error: errString(err),
		Extra: map[string]any{"mode": string(mode)},
	})
	if err == nil {
		s.emitter.Emit(Change{Op: OpDemote, RecordID: id})
	}
	return err
}

func (s *Store) demote(ctx context.Context, id string) error {
	rec, err := s.idx.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == types.StatusDeprecated {
		return nil
	}
	rec.Status = types.StatusDeprecated
	rec.UpdatedAt = time.Now().UTC()

	w := &txn.Write{
		Records: []*types.Record{rec},
		Message: fmt.Sprintf("demote %s", id),
		Apply: func(ctx context.Context) error {
			if err := s.idx.Upsert(ctx, rec); err != nil {
				return err
			}
			return s.idx.SetFileID(ctx, rec.ID, auditlog.FileID(rec.ID))
		},
	}
	return s.txn.Commit(ctx, w)
}

// Resolve returns the truth for a record id.
func (s *Store) Resolve(ctx context.Context, id string) (*types.Resolution, error) {
	return s.eng.Resolve(ctx, id)
}

// Tick runs one maintenance pass: lifecycle transitions, episodic
// retention, and vector compaction when the tail outgrew its budget.
// The lifecycle bulk update takes the write slot so it cannot interleave
// with an in-flight write protocol.
func (s *Store) Tick(ctx context.Context) error {
	err := s.txn.Exclusive(func() error {
		_, err := lifecycle.Tick(ctx, s.idx, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	if err := s.PruneEpisodic(ctx); err != nil {
		return err
	}
	if s.vec.NeedsCompact() {
		if err := s.vec.Compact(); err != nil {
			return err
		}
	}
	return nil
}

// PruneEpisodic trims events beyond the retention window per target,
// never removing events linked as evidence.
func (s *Store) PruneEpisodic(ctx context.Context) error {
	all, err := s.idx.List(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.ID)
	}
	linked, err := s.idx.GetLinkedEventIDsBatch(ctx, ids)
	if err != nil {
		return err
	}
	protected := make(map[string]bool)
	for _, eventIDs := range linked {
		for _, id := range eventIDs {
			protected[id] = true
		}
	}
	_, err = s.epi.Prune(ctx, s.opts.RetentionTurns, protected)
	return err
}

// writeNew is the shared record/proposal write path.
func (s *Store) writeNew(ctx context.Context, in RecordInput, kind types.Kind, status types.Status, supersedes []string) (string, error) {
	if err := s.cooldown(ctx, in.Authority); err != nil {
		return "", err
	}
	target, err := s.reg.Resolve(in.Target, true)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec := &types.Record{
		Kind:         kind,
		Title:        in.Title,
		Target:       target,
		Rationale:    in.Rationale,
		Consequences: in.Consequences,
		Status:       status,
		Authority:    in.Authority,
		Phase:        types.PhasePattern,
		Vitality:     lifecycle.InitialVitality,
		CreatedAt:    now,
		UpdatedAt:    now,
		Supersedes:   supersedes,
	}
	if err := s.assignID(ctx, rec, in.Actor); err != nil {
		return "", err
	}

	embed, err := s.opts.Provider.Embed(ctx, embedText(rec))
	if err != nil {
		return "", fmt.Errorf("failed to embed record: %w", err)
	}

	w := &txn.Write{
		Records: []*types.Record{rec},
		Embeds:  map[string][]float32{rec.ID: embed},
		Message: in.Title,
		Apply: func(ctx context.Context) error {
			if err := integrity.Check(ctx, s.idx, &integrity.Mutation{Record: rec}); err != nil {
				return err
			}
			if err := s.idx.Upsert(ctx, rec); err != nil {
				return err
			}
			return s.idx.SetFileID(ctx, rec.ID, auditlog.FileID(rec.ID))
		},
	}
	if err := s.txn.Commit(ctx, w); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// assignID generates a collision-checked hash id, lengthening and
// re-noncing until a free one is found.
func (s *Store) assignID(ctx context.Context, rec *types.Record, actor string) error {
	for length := 6; length <= 8; length++ {
		for nonce := 0; nonce < 10; nonce++ {
			candidate := idgen.GenerateHashID("lm", rec.Title, rec.Rationale, actor, rec.CreatedAt, length, nonce)
			_, err := s.idx.Get(ctx, candidate)
			if errors.Is(err, types.ErrNotFound) {
				rec.ID = candidate
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("failed to generate unique record id")
}

// embedText is the canonical text embedded for a record.
func embedText(rec *types.Record) string {
	return rec.Title + "\n" + rec.Target + "\n" + rec.Rationale
}

func appendUnique(list []string, item string) []string {
	for _, x := range list {
		if x == item {
			return list
		}
	}
	return append(list, item)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
