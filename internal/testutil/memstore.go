package testutil

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
)

// MemStore is an in-memory implementation of every repository used by the
// outreach core. It is safe for concurrent use.
type MemStore struct {
	mu       sync.Mutex
	leads    map[string]domain.Lead
	order    []string
	messages map[string]domain.Message
	entries  map[string]domain.DeadLetterEntry
	entryIDs []string
	batches  map[string]domain.Batch
	batchIDs []string

	// UpdateHook, when set, runs before every lifecycle write and may fail it.
	UpdateHook func(lead *domain.Lead) error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		leads:    make(map[string]domain.Lead),
		messages: make(map[string]domain.Message),
		entries:  make(map[string]domain.DeadLetterEntry),
		batches:  make(map[string]domain.Batch),
	}
}

// PutLead stores a lead as-is, replacing any lead with the same id.
func (s *MemStore) PutLead(lead domain.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[lead.ID]; !ok {
		s.order = append(s.order, lead.ID)
	}
	s.leads[lead.ID] = lead
}

// Lead returns a copy of a stored lead for assertions.
func (s *MemStore) Lead(id string) domain.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leads[id]
}

// Entries returns every dead-letter entry in creation order.
func (s *MemStore) Entries() []domain.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(s.entryIDs))
	for _, id := range s.entryIDs {
		out = append(out, copyEntry(s.entries[id]))
	}
	return out
}

// CreateLead implements lifecycle.Store.
func (s *MemStore) CreateLead(_ context.Context, lead *domain.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.leads {
		if lead.Email != "" && strings.EqualFold(existing.Email, lead.Email) {
			return domain.ErrDuplicateLead
		}
	}
	s.order = append(s.order, lead.ID)
	s.leads[lead.ID] = *lead
	return nil
}

// GetLead implements lifecycle.Store and followup.Repository.
func (s *MemStore) GetLead(_ context.Context, id string) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	return &lead, nil
}

// UpdateLifecycle implements lifecycle.Store.
func (s *MemStore) UpdateLifecycle(_ context.Context, lead *domain.Lead, expected domain.MailStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leads[lead.ID]
	if !ok {
		return domain.ErrLeadNotFound
	}
	if current.MailStatus != expected {
		return domain.ErrStatusConflict
	}
	if s.UpdateHook != nil {
		if err := s.UpdateHook(lead); err != nil {
			return err
		}
	}
	s.leads[lead.ID] = *lead
	return nil
}

func messageKey(leadID string, emailType domain.EmailType) string {
	return leadID + "/" + string(emailType)
}

// GetMessage implements content.MessageStore.
func (s *MemStore) GetMessage(_ context.Context, leadID string, emailType domain.EmailType) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageKey(leadID, emailType)]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return &msg, nil
}

// SaveMessage stores or replaces the message for a lead and type.
func (s *MemStore) SaveMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[messageKey(msg.LeadID, msg.EmailType)] = *msg
	return nil
}

// ListFollowupCandidates implements followup.Repository.
func (s *MemStore) ListFollowupCandidates(_ context.Context, dueBefore time.Time) ([]domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Lead, 0)
	for _, id := range s.order {
		lead := s.leads[id]
		if lead.Locked || lead.MailStatus == domain.MailStatusReplyReceived {
			continue
		}
		five := lead.Followup5State == domain.FollowupUnsent && lead.Followup5DueAt != nil && lead.Followup5DueAt.Before(dueBefore)
		ten := lead.Followup10State == domain.FollowupUnsent && lead.Followup10DueAt != nil && lead.Followup10DueAt.Before(dueBefore)
		if five || ten {
			out = append(out, lead)
		}
	}
	return out, nil
}

// CountInitialSendsBetween implements quota.Repository.
func (s *MemStore) CountInitialSendsBetween(_ context.Context, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, lead := range s.leads {
		if lead.InitialSentAt != nil && !lead.InitialSentAt.Before(from) && lead.InitialSentAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// ClaimNew implements quota.Repository.
func (s *MemStore) ClaimNew(_ context.Context, limit int, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := make([]string, 0, limit)
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		lead := s.leads[id]
		if !lead.Verified || lead.Email == "" || lead.MailStatus != domain.MailStatusNew || lead.Locked {
			continue
		}
		s.lock(&lead, now)
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// ClaimLeads implements quota.Repository.
func (s *MemStore) ClaimLeads(_ context.Context, ids []string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		lead, ok := s.leads[id]
		if !ok || lead.Locked || slices.Contains(claimed, id) {
			continue
		}
		s.lock(&lead, now)
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// ClaimScheduledDue implements quota.Repository.
func (s *MemStore) ClaimScheduledDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := make([]string, 0)
	for _, id := range s.order {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		lead := s.leads[id]
		if lead.MailStatus != domain.MailStatusScheduled || lead.Locked || lead.ScheduledAt == nil || lead.ScheduledAt.After(now) {
			continue
		}
		s.lock(&lead, now)
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (s *MemStore) lock(lead *domain.Lead, now time.Time) {
	at := now
	lead.Locked = true
	lead.LockedAt = &at
	s.leads[lead.ID] = *lead
}

// ReleaseLeads implements quota.Repository.
func (s *MemStore) ReleaseLeads(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		lead, ok := s.leads[id]
		if !ok {
			continue
		}
		lead.Locked = false
		lead.LockedAt = nil
		s.leads[id] = lead
	}
	return nil
}

// ReleaseStaleLocks implements quota.Repository.
func (s *MemStore) ReleaseStaleLocks(_ context.Context, lockedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, lead := range s.leads {
		if !lead.Locked || lead.LockedAt == nil || !lead.LockedAt.Before(lockedBefore) {
			continue
		}
		if lead.MailStatus == domain.MailStatusSending {
			lead.MailStatus = domain.MailStatusFailed
			lead.FailureReason = "send interrupted"
		}
		lead.Locked = false
		lead.LockedAt = nil
		s.leads[id] = lead
		n++
	}
	return n, nil
}

// CreateBatch implements batch.Repository.
func (s *MemStore) CreateBatch(_ context.Context, b *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Kind == domain.BatchKindDaily && b.Status == domain.BatchStatusRunning {
		for _, other := range s.batches {
			if other.Kind == domain.BatchKindDaily && other.Status == domain.BatchStatusRunning {
				return domain.ErrBatchAlreadyRunning
			}
		}
	}
	s.batches[b.ID] = *b
	s.batchIDs = append(s.batchIDs, b.ID)
	return nil
}

// SetTotal implements batch.Repository.
func (s *MemStore) SetTotal(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.ErrBatchNotFound
	}
	b.Total = total
	s.batches[id] = b
	return nil
}

// GetBatch implements batch.Repository.
func (s *MemStore) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return &b, nil
}

// ListBatches implements batch.Repository. Newest batches come first.
func (s *MemStore) ListBatches(_ context.Context, activeOnly bool, limit int) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Batch, 0)
	for i := len(s.batchIDs) - 1; i >= 0; i-- {
		b := s.batches[s.batchIDs[i]]
		if activeOnly && b.Status != domain.BatchStatusRunning {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecordOutcome implements batch.Repository.
func (s *MemStore) RecordOutcome(_ context.Context, id string, outcome domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.ErrBatchNotFound
	}
	b.Processed++
	switch outcome {
	case domain.OutcomeSucceeded:
		b.Succeeded++
	case domain.OutcomeFailed:
		b.Failed++
	case domain.OutcomeSkipped:
		b.Skipped++
	}
	s.batches[id] = b
	return nil
}

// FinishBatch implements batch.Repository.
func (s *MemStore) FinishBatch(_ context.Context, id string, status domain.BatchStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if b.Status != domain.BatchStatusRunning {
		return domain.ErrBatchNotRunning
	}
	b.Status = status
	b.Error = errMsg
	b.CompletedAt = &at
	s.batches[id] = b
	return nil
}

// CountRunning implements batch.Repository.
func (s *MemStore) CountRunning(_ context.Context, kind domain.BatchKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		if b.Kind == kind && b.Status == domain.BatchStatusRunning {
			n++
		}
	}
	return n, nil
}

func copyEntry(e domain.DeadLetterEntry) domain.DeadLetterEntry {
	if e.ThreadRef != nil {
		ref := *e.ThreadRef
		e.ThreadRef = &ref
	}
	return e
}

// CreateEntry implements dlq.Repository.
func (s *MemStore) CreateEntry(_ context.Context, entry *domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = copyEntry(*entry)
	s.entryIDs = append(s.entryIDs, entry.ID)
	return nil
}

// GetEntry implements dlq.Repository.
func (s *MemStore) GetEntry(_ context.Context, id string) (*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	e = copyEntry(e)
	return &e, nil
}

// FindOpenEntry implements dlq.Repository.
func (s *MemStore) FindOpenEntry(_ context.Context, leadID string, emailType domain.EmailType) (*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entryIDs {
		e := s.entries[id]
		if e.LeadID == leadID && e.EmailType == emailType && !e.Status.IsTerminal() {
			e = copyEntry(e)
			return &e, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

// ListDue implements dlq.Repository.
func (s *MemStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0)
	for _, id := range s.entryIDs {
		e := s.entries[id]
		if e.Status == domain.DeadLetterPending && !e.NextRetryAt.After(now) {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListForLead implements dlq.Repository.
func (s *MemStore) ListForLead(_ context.Context, leadID string) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0)
	for _, id := range s.entryIDs {
		if e := s.entries[id]; e.LeadID == leadID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

// TransitionEntry implements dlq.Repository.
func (s *MemStore) TransitionEntry(_ context.Context, id string, from, to domain.DeadLetterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.ErrEntryNotFound
	}
	if e.Status != from {
		return domain.ErrStatusConflict
	}
	e.Status = to
	s.entries[id] = e
	return nil
}

// UpdateEntry implements dlq.Repository.
func (s *MemStore) UpdateEntry(_ context.Context, entry *domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return domain.ErrEntryNotFound
	}
	s.entries[entry.ID] = copyEntry(*entry)
	return nil
}

// Stats implements dlq.Repository.
func (s *MemStore) Stats(_ context.Context) (domain.DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.DeadLetterStats{
		ByStatus:   make(map[domain.DeadLetterStatus]int),
		ByCategory: make(map[domain.FailureCategory]int),
	}
	for _, e := range s.entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByCategory[e.Category]++
	}
	return stats, nil
}
