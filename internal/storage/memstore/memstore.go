/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package memstore is an in-memory storage.Store implementation used
// by unit tests that exercise engine/ledger/sweeper logic without a
// live Postgres. It honors the same unique-constraint, skip-locked,
// and savepoint semantics the postgres implementation provides.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/storage"
)

type taskKey struct{ tenant, id string }
type idemKey struct{ tenant, key string }
type leaseKey struct{ tenant, id string }
type receiptKey struct{ tenant, id string }
type hashKey struct{ tenant, hash string }
type progressKey struct{ tenant, task string }
type relKey struct{ tenant, kind, id string }

// MemStore is a goroutine-safe, in-memory implementation of storage.Store.
type MemStore struct {
	mu sync.Mutex

	tasks         map[taskKey]*domain.Task
	idempotency   map[idemKey]string // -> task id
	leasesByTask  map[taskKey]*domain.Lease
	leasesByID    map[leaseKey]taskKey
	receipts      map[receiptKey]*domain.Receipt
	receiptsByH   map[hashKey]*domain.Receipt
	progress      map[progressKey]*domain.Progress
	relationships map[relKey]*domain.Relationship
}

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{
		tasks:         make(map[taskKey]*domain.Task),
		idempotency:   make(map[idemKey]string),
		leasesByTask:  make(map[taskKey]*domain.Lease),
		leasesByID:    make(map[leaseKey]taskKey),
		receipts:      make(map[receiptKey]*domain.Receipt),
		receiptsByH:   make(map[hashKey]*domain.Receipt),
		progress:      make(map[progressKey]*domain.Progress),
		relationships: make(map[relKey]*domain.Relationship),
	}
}

// BeginTx locks the store for the duration of the transaction. Since
// this implementation backs single-process tests, one global lock is
// sufficient to provide the serializability a real Postgres
// transaction would give the engine.
func (m *MemStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	m.mu.Lock()
	return &memTx{store: m, undo: nil, marks: nil}, nil
}

// undoFn reverses one mutation performed inside the transaction.
type undoFn func()

type memTx struct {
	store  *MemStore
	undo   []undoFn
	marks  []int // savepoint markers: index into undo at the time of the savepoint
	done   bool
}

func (t *memTx) record(u undoFn) { t.undo = append(t.undo, u) }

func (t *memTx) Savepoint(ctx context.Context, name string) error {
	t.marks = append(t.marks, len(t.undo))
	return nil
}

func (t *memTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if len(t.marks) == 0 {
		return fmt.Errorf("memstore: no savepoint to roll back to")
	}
	mark := t.marks[len(t.marks)-1]
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
	return nil
}

func (t *memTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if len(t.marks) == 0 {
		return fmt.Errorf("memstore: no savepoint to release")
	}
	t.marks = t.marks[:len(t.marks)-1]
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		cp.StartedAt = &s
	}
	return &cp
}

func cloneLease(l *domain.Lease) *domain.Lease {
	cp := *l
	return &cp
}

func cloneReceipt(r *domain.Receipt) *domain.Receipt {
	cp := *r
	cp.Parents = append([]string(nil), r.Parents...)
	if r.DeliveredAt != nil {
		d := *r.DeliveredAt
		cp.DeliveredAt = &d
	}
	return &cp
}

// --- Tasks ---

func (t *memTx) CreateTask(ctx context.Context, in *domain.Task) (*domain.Task, bool, error) {
	s := t.store
	if in.HasIdempotencyKey() {
		ik := idemKey{in.TenantID, in.IdempotencyKey}
		if existingID, ok := s.idempotency[ik]; ok {
			existing := s.tasks[taskKey{in.TenantID, existingID}]
			return cloneTask(existing), true, nil
		}
	}
	k := taskKey{in.TenantID, in.ID}
	stored := cloneTask(in)
	s.tasks[k] = stored
	t.record(func() { delete(s.tasks, k) })
	if in.HasIdempotencyKey() {
		ik := idemKey{in.TenantID, in.IdempotencyKey}
		s.idempotency[ik] = in.ID
		t.record(func() { delete(s.idempotency, ik) })
	}
	return cloneTask(stored), false, nil
}

func (s *MemStore) getTaskLocked(tenantID, taskID string) (*domain.Task, error) {
	tk, ok := s.tasks[taskKey{tenantID, taskID}]
	if !ok {
		return nil, storage.ErrNoRows
	}
	return tk, nil
}

func (t *memTx) GetTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	tk, err := t.store.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return cloneTask(tk), nil
}

func (m *MemStore) GetTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, err := m.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return cloneTask(tk), nil
}

func (t *memTx) ListTasks(ctx context.Context, f storage.TaskFilter, p storage.Page) ([]*domain.Task, string, error) {
	return listTasksLocked(t.store, f, p)
}

func (m *MemStore) ListTasks(ctx context.Context, f storage.TaskFilter, p storage.Page) ([]*domain.Task, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listTasksLocked(m, f, p)
}

func listTasksLocked(s *MemStore, f storage.TaskFilter, p storage.Page) ([]*domain.Task, string, error) {
	var out []*domain.Task
	for k, tk := range s.tasks {
		if k.tenant != f.TenantID {
			continue
		}
		if f.Type != "" && tk.Type != f.Type {
			continue
		}
		if len(f.Status) > 0 && !containsStatus(f.Status, tk.Status) {
			continue
		}
		if p.Cursor != "" && !tk.CreatedAt.After(parseCursorTime(p.Cursor)) {
			continue
		}
		out = append(out, cloneTask(tk))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	limit := p.Limit
	next := ""
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return out, next, nil
}

func containsStatus(list []domain.TaskStatus, s domain.TaskStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func parseCursorTime(c string) time.Time {
	tm, err := time.Parse(time.RFC3339Nano, c)
	if err != nil {
		return time.Time{}
	}
	return tm
}

func (t *memTx) UpdateTaskStatus(ctx context.Context, tenantID, taskID string, newStatus domain.TaskStatus, result *domain.TaskResult, startedAt *time.Time) (*domain.Task, error) {
	s := t.store
	tk, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	prev := cloneTask(tk)
	tk.Status = newStatus
	if result != nil {
		tk.Result = result
	}
	if startedAt != nil && tk.StartedAt == nil {
		st := *startedAt
		tk.StartedAt = &st
	}
	tk.UpdatedAt = timeOrZero(startedAt, tk.UpdatedAt)
	t.record(func() {
		*tk = *prev
	})
	return cloneTask(tk), nil
}

func timeOrZero(st *time.Time, fallback time.Time) time.Time {
	if st != nil {
		return *st
	}
	return fallback
}

func (t *memTx) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error) {
	s := t.store
	tk, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	prev := cloneTask(tk)
	tk.Attempt++
	tk.Status = domain.TaskQueued
	tk.NextEligibleAt = nextEligibleAt
	tk.StartedAt = nil
	t.record(func() { *tk = *prev })
	return cloneTask(tk), nil
}

func (t *memTx) ConsumeAttempt(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	s := t.store
	tk, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	prev := cloneTask(tk)
	tk.Attempt++
	t.record(func() { *tk = *prev })
	return cloneTask(tk), nil
}

func (t *memTx) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error) {
	s := t.store
	tk, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	prev := cloneTask(tk)
	tk.Status = domain.TaskQueued
	tk.NextEligibleAt = nextEligibleAt
	tk.StartedAt = nil
	// attempt intentionally unchanged: lease expiry is not a retry.
	t.record(func() { *tk = *prev })
	return cloneTask(tk), nil
}

// --- Leases ---

func (t *memTx) ClaimTasks(ctx context.Context, tenantID, workerID string, capabilities, acceptTypes []string, n int, ttl time.Duration, now time.Time, newLeaseID func() string) ([]storage.ClaimedTask, error) {
	s := t.store
	if n <= 0 {
		return nil, nil
	}
	var candidates []*domain.Task
	for k, tk := range s.tasks {
		if k.tenant != tenantID {
			continue
		}
		if tk.Status != domain.TaskQueued {
			continue
		}
		if tk.NextEligibleAt.After(now) {
			continue
		}
		if len(acceptTypes) > 0 && !containsString(acceptTypes, tk.Type) {
			continue
		}
		if _, locked := s.leasesByTask[k]; locked {
			continue // "skip locked": another claim already owns the row in this tx generation
		}
		candidates = append(candidates, tk)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	var out []storage.ClaimedTask
	for _, tk := range candidates {
		// Capability filter runs after the n-row batch is selected,
		// matching the postgres implementation's in-transaction filter.
		if !capabilitySubset(tk.RequiredCapabilities(), capabilities) {
			continue
		}
		k := taskKey{tenantID, tk.ID}
		prevTask := cloneTask(tk)
		tk.Status = domain.TaskLeased
		leaseID := newLeaseID()
		lease := &domain.Lease{
			TenantID:     tenantID,
			ID:           leaseID,
			TaskID:       tk.ID,
			WorkerID:     workerID,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
			RenewalCount: 0,
		}
		s.leasesByTask[k] = lease
		lk := leaseKey{tenantID, leaseID}
		s.leasesByID[lk] = k
		t.record(func() {
			*tk = *prevTask
			delete(s.leasesByTask, k)
			delete(s.leasesByID, lk)
		})
		out = append(out, storage.ClaimedTask{Task: cloneTask(tk), Lease: cloneLease(lease)})
	}
	return out, nil
}

func containsString(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func capabilitySubset(required, offered []string) bool {
	for _, r := range required {
		found := false
		for _, o := range offered {
			if o == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (t *memTx) GetLease(ctx context.Context, tenantID, leaseID string) (*domain.Lease, error) {
	return getLeaseLocked(t.store, tenantID, leaseID)
}

func (m *MemStore) GetLease(ctx context.Context, tenantID, leaseID string) (*domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getLeaseLocked(m, tenantID, leaseID)
}

func getLeaseLocked(s *MemStore, tenantID, leaseID string) (*domain.Lease, error) {
	tk, ok := s.leasesByID[leaseKey{tenantID, leaseID}]
	if !ok {
		return nil, storage.ErrNoRows
	}
	return cloneLease(s.leasesByTask[tk]), nil
}

func (t *memTx) RenewLease(ctx context.Context, tenantID, leaseID string, newExpiresAt time.Time) (*domain.Lease, error) {
	s := t.store
	tk, ok := s.leasesByID[leaseKey{tenantID, leaseID}]
	if !ok {
		return nil, storage.ErrNoRows
	}
	lease := s.leasesByTask[tk]
	prev := cloneLease(lease)
	lease.ExpiresAt = newExpiresAt
	lease.RenewalCount++
	t.record(func() { *lease = *prev })
	return cloneLease(lease), nil
}

func (t *memTx) ReleaseLease(ctx context.Context, tenantID, leaseID string) error {
	s := t.store
	tk, ok := s.leasesByID[leaseKey{tenantID, leaseID}]
	if !ok {
		return nil // already released; idempotent
	}
	lease := s.leasesByTask[tk]
	lk := leaseKey{tenantID, leaseID}
	delete(s.leasesByTask, tk)
	delete(s.leasesByID, lk)
	t.record(func() {
		s.leasesByTask[tk] = lease
		s.leasesByID[lk] = tk
	})
	return nil
}

func (t *memTx) GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]storage.LeaseWithTask, error) {
	return getExpiredLeasesLocked(t.store, instanceID, now, limit)
}

func (m *MemStore) GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]storage.LeaseWithTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getExpiredLeasesLocked(m, instanceID, now, limit)
}

func getExpiredLeasesLocked(s *MemStore, instanceID string, now time.Time, limit int) ([]storage.LeaseWithTask, error) {
	var out []storage.LeaseWithTask
	for k, lease := range s.leasesByTask {
		if !lease.ExpiredAt(now) {
			continue
		}
		tk, ok := s.tasks[k]
		if !ok {
			continue
		}
		if tk.OwningInstance != instanceID {
			continue
		}
		out = append(out, storage.LeaseWithTask{Lease: cloneLease(lease), Task: cloneTask(tk)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Progress ---

func (t *memTx) UpsertProgress(ctx context.Context, p *domain.Progress) error {
	s := t.store
	k := progressKey{p.TenantID, p.TaskID}
	prev, existed := s.progress[k]
	cp := *p
	s.progress[k] = &cp
	t.record(func() {
		if existed {
			s.progress[k] = prev
		} else {
			delete(s.progress, k)
		}
	})
	return nil
}

func (m *MemStore) GetProgress(ctx context.Context, tenantID, taskID string) (*domain.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[progressKey{tenantID, taskID}]
	if !ok {
		return nil, storage.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) GetProgress(ctx context.Context, tenantID, taskID string) (*domain.Progress, error) {
	return t.store.GetProgress(ctx, tenantID, taskID)
}

// --- Receipts ---

func (t *memTx) CreateReceipt(ctx context.Context, in *domain.Receipt) (*domain.Receipt, bool, error) {
	s := t.store
	hk := hashKey{in.TenantID, in.Hash}
	if existing, ok := s.receiptsByH[hk]; ok {
		return cloneReceipt(existing), true, nil
	}
	rk := receiptKey{in.TenantID, in.ID}
	stored := cloneReceipt(in)
	s.receipts[rk] = stored
	s.receiptsByH[hk] = stored
	t.record(func() {
		delete(s.receipts, rk)
		delete(s.receiptsByH, hk)
	})
	return cloneReceipt(stored), false, nil
}

func getReceiptLocked(s *MemStore, tenantID, receiptID string) (*domain.Receipt, error) {
	r, ok := s.receipts[receiptKey{tenantID, receiptID}]
	if !ok {
		return nil, storage.ErrNoRows
	}
	return cloneReceipt(r), nil
}

func (m *MemStore) GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getReceiptLocked(m, tenantID, receiptID)
}
func (t *memTx) GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	return getReceiptLocked(t.store, tenantID, receiptID)
}

func getReceiptByHashLocked(s *MemStore, tenantID, hash string) (*domain.Receipt, error) {
	r, ok := s.receiptsByH[hashKey{tenantID, hash}]
	if !ok {
		return nil, storage.ErrNoRows
	}
	return cloneReceipt(r), nil
}

func (m *MemStore) GetReceiptByHash(ctx context.Context, tenantID, hash string) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getReceiptByHashLocked(m, tenantID, hash)
}
func (t *memTx) GetReceiptByHash(ctx context.Context, tenantID, hash string) (*domain.Receipt, error) {
	return getReceiptByHashLocked(t.store, tenantID, hash)
}

func getReceiptByTaskAndTypeLocked(s *MemStore, tenantID, taskID string, ty domain.ReceiptType) (*domain.Receipt, error) {
	var best *domain.Receipt
	for _, r := range s.receipts {
		if r.TenantID != tenantID || r.TaskID != taskID || r.Type != ty {
			continue
		}
		if best == nil || r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, storage.ErrNoRows
	}
	return cloneReceipt(best), nil
}

func (m *MemStore) GetReceiptByTaskAndType(ctx context.Context, tenantID, taskID string, ty domain.ReceiptType) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getReceiptByTaskAndTypeLocked(m, tenantID, taskID, ty)
}
func (t *memTx) GetReceiptByTaskAndType(ctx context.Context, tenantID, taskID string, ty domain.ReceiptType) (*domain.Receipt, error) {
	return getReceiptByTaskAndTypeLocked(t.store, tenantID, taskID, ty)
}

func listReceiptsLocked(s *MemStore, tenantID, toKind, toID string, p storage.Page) ([]*domain.Receipt, string, error) {
	var curAt time.Time
	var curID string
	if p.Cursor != "" {
		var err error
		curAt, curID, err = storage.ParseReceiptCursor(p.Cursor)
		if err != nil {
			return nil, "", err
		}
	}
	var out []*domain.Receipt
	for _, r := range s.receipts {
		if r.TenantID != tenantID || string(r.To.Kind) != toKind || r.To.ID != toID {
			continue
		}
		if p.Cursor != "" && !afterCursor(r, curAt, curID) {
			continue
		}
		out = append(out, cloneReceipt(r))
	}
	sortReceipts(out)
	next := ""
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
		next = storage.ReceiptCursor(out[len(out)-1])
	}
	return out, next, nil
}

func (m *MemStore) ListReceipts(ctx context.Context, tenantID, toKind, toID string, p storage.Page) ([]*domain.Receipt, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listReceiptsLocked(m, tenantID, toKind, toID, p)
}

// afterCursor reports whether r sits strictly after the
// (created_at, receipt_id) keyset position.
func afterCursor(r *domain.Receipt, at time.Time, id string) bool {
	if r.CreatedAt.After(at) {
		return true
	}
	return r.CreatedAt.Equal(at) && r.ID > id
}

// sortReceipts orders by created_at with receipt_id as the
// deterministic tiebreak, matching the postgres implementation's
// keyset ordering.
func sortReceipts(out []*domain.Receipt) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
func (t *memTx) ListReceipts(ctx context.Context, tenantID, toKind, toID string, p storage.Page) ([]*domain.Receipt, string, error) {
	return listReceiptsLocked(t.store, tenantID, toKind, toID, p)
}

func listReceiptsByTaskLocked(s *MemStore, tenantID, taskID string) ([]*domain.Receipt, error) {
	var out []*domain.Receipt
	for _, r := range s.receipts {
		if r.TenantID == tenantID && r.TaskID == taskID {
			out = append(out, cloneReceipt(r))
		}
	}
	sortReceipts(out)
	return out, nil
}

func (m *MemStore) ListReceiptsByTask(ctx context.Context, tenantID, taskID string) ([]*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listReceiptsByTaskLocked(m, tenantID, taskID)
}
func (t *memTx) ListReceiptsByTask(ctx context.Context, tenantID, taskID string) ([]*domain.Receipt, error) {
	return listReceiptsByTaskLocked(t.store, tenantID, taskID)
}

func (t *memTx) MarkDelivered(ctx context.Context, tenantID, receiptID string, at time.Time) error {
	s := t.store
	r, ok := s.receipts[receiptKey{tenantID, receiptID}]
	if !ok {
		return storage.ErrNoRows
	}
	prev := r.DeliveredAt
	r.DeliveredAt = &at
	t.record(func() { r.DeliveredAt = prev })
	return nil
}

func matchesType(types []domain.ReceiptType, t domain.ReceiptType) bool {
	if len(types) == 0 {
		return true
	}
	return containsReceiptType(types, t)
}

func hasCitingReceiptLocked(s *MemStore, tenantID, parentID string, types []domain.ReceiptType) (bool, error) {
	for _, r := range s.receipts {
		if r.TenantID != tenantID || !matchesType(types, r.Type) {
			continue
		}
		for _, p := range r.Parents {
			if p == parentID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemStore) HasCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hasCitingReceiptLocked(m, tenantID, parentID, types)
}
func (t *memTx) HasCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (bool, error) {
	return hasCitingReceiptLocked(t.store, tenantID, parentID, types)
}

func getCitingReceiptsLocked(s *MemStore, tenantID, parentID string, types []domain.ReceiptType) ([]*domain.Receipt, error) {
	var out []*domain.Receipt
	for _, r := range s.receipts {
		if r.TenantID != tenantID || !matchesType(types, r.Type) {
			continue
		}
		for _, p := range r.Parents {
			if p == parentID {
				out = append(out, cloneReceipt(r))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) GetCitingReceipts(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) ([]*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getCitingReceiptsLocked(m, tenantID, parentID, types)
}
func (t *memTx) GetCitingReceipts(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) ([]*domain.Receipt, error) {
	return getCitingReceiptsLocked(t.store, tenantID, parentID, types)
}

func latestCitingReceiptLocked(s *MemStore, tenantID, parentID string, types []domain.ReceiptType) (*domain.Receipt, error) {
	terms, err := getCitingReceiptsLocked(s, tenantID, parentID, types)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, storage.ErrNoRows
	}
	best := terms[0]
	for _, r := range terms[1:] {
		if r.CreatedAt.After(best.CreatedAt) || (r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best = r
		}
	}
	return best, nil
}

func (m *MemStore) LatestCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestCitingReceiptLocked(m, tenantID, parentID, types)
}
func (t *memTx) LatestCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (*domain.Receipt, error) {
	return latestCitingReceiptLocked(t.store, tenantID, parentID, types)
}

func listOpenObligationCandidatesLocked(s *MemStore, tenantID string, obligationTypes []domain.ReceiptType, toKind, toID string, since string, limit int) ([]*domain.Receipt, error) {
	var sinceAt time.Time
	var sinceID string
	if since != "" {
		var err error
		sinceAt, sinceID, err = storage.ParseReceiptCursor(since)
		if err != nil {
			return nil, err
		}
	}
	var out []*domain.Receipt
	for _, r := range s.receipts {
		if r.TenantID != tenantID || string(r.To.Kind) != toKind || r.To.ID != toID {
			continue
		}
		if !containsReceiptType(obligationTypes, r.Type) {
			continue
		}
		if since != "" && !afterCursor(r, sinceAt, sinceID) {
			continue
		}
		out = append(out, cloneReceipt(r))
	}
	sortReceipts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ListOpenObligationCandidates(ctx context.Context, tenantID string, obligationTypes []domain.ReceiptType, toKind, toID string, since string, limit int) ([]*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listOpenObligationCandidatesLocked(m, tenantID, obligationTypes, toKind, toID, since, limit)
}
func (t *memTx) ListOpenObligationCandidates(ctx context.Context, tenantID string, obligationTypes []domain.ReceiptType, toKind, toID string, since string, limit int) ([]*domain.Receipt, error) {
	return listOpenObligationCandidatesLocked(t.store, tenantID, obligationTypes, toKind, toID, since, limit)
}

func containsReceiptType(list []domain.ReceiptType, v domain.ReceiptType) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func batchHasCitingReceiptsLocked(s *MemStore, tenantID string, candidateIDs []string, types []domain.ReceiptType) (map[string]bool, error) {
	want := make(map[string]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		want[id] = true
	}
	result := make(map[string]bool, len(candidateIDs))
	for _, r := range s.receipts {
		if r.TenantID != tenantID || len(r.Parents) == 0 || !matchesType(types, r.Type) {
			continue
		}
		for _, p := range r.Parents {
			if want[p] {
				result[p] = true
			}
		}
	}
	return result, nil
}

func (m *MemStore) BatchHasCitingReceipts(ctx context.Context, tenantID string, candidateIDs []string, types []domain.ReceiptType) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return batchHasCitingReceiptsLocked(m, tenantID, candidateIDs, types)
}
func (t *memTx) BatchHasCitingReceipts(ctx context.Context, tenantID string, candidateIDs []string, types []domain.ReceiptType) (map[string]bool, error) {
	return batchHasCitingReceiptsLocked(t.store, tenantID, candidateIDs, types)
}

func (t *memTx) UpsertRelationship(ctx context.Context, rel *domain.Relationship) error {
	s := t.store
	k := relKey{rel.TenantID, rel.PrincipalKind, rel.PrincipalID}
	prev, existed := s.relationships[k]
	if existed {
		cp := *prev
		cp.LastSeenAt = rel.LastSeenAt
		cp.SessionsCount++
		if rel.PrincipalInstanceID != "" {
			cp.PrincipalInstanceID = rel.PrincipalInstanceID
		}
		s.relationships[k] = &cp
	} else {
		cp := *rel
		cp.SessionsCount = 1
		cp.FirstSeenAt = rel.LastSeenAt
		s.relationships[k] = &cp
	}
	t.record(func() {
		if existed {
			s.relationships[k] = prev
		} else {
			delete(s.relationships, k)
		}
	})
	return nil
}

// --- Store convenience wrappers: run a single Queries call in its own
// implicit transaction, for callers that don't need multi-step
// composition (e.g. a read-modify-write the engine always wraps in
// BeginTx itself, but ad-hoc tooling may not). ---

func (m *MemStore) CreateTask(ctx context.Context, t *domain.Task) (*domain.Task, bool, error) {
	tx, _ := m.BeginTx(ctx)
	task, existed, err := tx.CreateTask(ctx, t)
	if err != nil {
		tx.Rollback(ctx)
		return nil, false, err
	}
	tx.Commit(ctx)
	return task, existed, nil
}

func (m *MemStore) UpdateTaskStatus(ctx context.Context, tenantID, taskID string, newStatus domain.TaskStatus, result *domain.TaskResult, startedAt *time.Time) (*domain.Task, error) {
	tx, _ := m.BeginTx(ctx)
	task, err := tx.UpdateTaskStatus(ctx, tenantID, taskID, newStatus, result, startedAt)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	tx.Commit(ctx)
	return task, nil
}

func (m *MemStore) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error) {
	tx, _ := m.BeginTx(ctx)
	task, err := tx.RequeueWithBackoff(ctx, tenantID, taskID, nextEligibleAt)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	tx.Commit(ctx)
	return task, nil
}

func (m *MemStore) ConsumeAttempt(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	tx, _ := m.BeginTx(ctx)
	task, err := tx.ConsumeAttempt(ctx, tenantID, taskID)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	tx.Commit(ctx)
	return task, nil
}

func (m *MemStore) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error) {
	tx, _ := m.BeginTx(ctx)
	task, err := tx.RequeueOnExpiry(ctx, tenantID, taskID, nextEligibleAt)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	tx.Commit(ctx)
	return task, nil
}

func (m *MemStore) ClaimTasks(ctx context.Context, tenantID, workerID string, capabilities, acceptTypes []string, n int, ttl time.Duration, now time.Time, newLeaseID func() string) ([]storage.ClaimedTask, error) {
	tx, _ := m.BeginTx(ctx)
	out, err := tx.ClaimTasks(ctx, tenantID, workerID, capabilities, acceptTypes, n, ttl, now, newLeaseID)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	tx.Commit(ctx)
	return out, nil
}

func (m *MemStore) RenewLease(ctx context.Context, tenantID, leaseID string, newExpiresAt time.Time) (*domain.Lease, error) {
	tx, _ := m.BeginTx(ctx)
	l, err := tx.RenewLease(ctx, tenantID, leaseID, newExpiresAt)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	tx.Commit(ctx)
	return l, nil
}

func (m *MemStore) ReleaseLease(ctx context.Context, tenantID, leaseID string) error {
	tx, _ := m.BeginTx(ctx)
	err := tx.ReleaseLease(ctx, tenantID, leaseID)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (m *MemStore) UpsertProgress(ctx context.Context, p *domain.Progress) error {
	tx, _ := m.BeginTx(ctx)
	err := tx.UpsertProgress(ctx, p)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (m *MemStore) CreateReceipt(ctx context.Context, r *domain.Receipt) (*domain.Receipt, bool, error) {
	tx, _ := m.BeginTx(ctx)
	rec, existed, err := tx.CreateReceipt(ctx, r)
	if err != nil {
		tx.Rollback(ctx)
		return nil, false, err
	}
	tx.Commit(ctx)
	return rec, existed, nil
}

func (m *MemStore) MarkDelivered(ctx context.Context, tenantID, receiptID string, at time.Time) error {
	tx, _ := m.BeginTx(ctx)
	err := tx.MarkDelivered(ctx, tenantID, receiptID, at)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (m *MemStore) UpsertRelationship(ctx context.Context, rel *domain.Relationship) error {
	tx, _ := m.BeginTx(ctx)
	err := tx.UpsertRelationship(ctx, rel)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
