// Package memory provides an ephemeral, memory-backed implementation of
// [storage.FinanceDatastore]. Instances may be safely shared by multiple
// goroutines. It doubles as the test fixture for the resolution engine.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

// StorageOption configures a [MemoryBackend] instance.
type StorageOption func(*MemoryBackend)

// WithBatchSize overrides the ceiling enforced on set-membership lookups.
func WithBatchSize(n int) StorageOption {
	return func(m *MemoryBackend) {
		m.batchSize = n
	}
}

type snapshot struct {
	generationID string
	publishedAt  time.Time
	facts        []storage.AccessFact

	// read-path indexes, built by IndexSnapshot
	bySupervisor map[uint64][]int
	byFund       map[uint64][]int
	indexed      bool
}

func (s *snapshot) buildIndexes() {
	s.bySupervisor = make(map[uint64][]int, len(s.facts))
	s.byFund = make(map[uint64][]int, len(s.facts))
	for i, f := range s.facts {
		s.bySupervisor[f.SupervisorID] = append(s.bySupervisor[f.SupervisorID], i)
		s.byFund[f.Fund.FundID] = append(s.byFund[f.Fund.FundID], i)
	}
	s.indexed = true
}

func (s *snapshot) countsByType() map[permission.Type]int64 {
	counts := make(map[permission.Type]int64, 3)
	for _, f := range s.facts {
		counts[f.Type]++
	}
	return counts
}

// MemoryBackend holds the relational source data, the hierarchy closure and
// at most one staged plus one published snapshot.
type MemoryBackend struct {
	mu sync.RWMutex

	users     map[uint64]*storage.User
	orders    map[uint64]uint64 // order id -> owner id
	customers map[uint64]uint64 // customer id -> administrator id
	funds     map[uint64]storage.Fund

	// closure is the reflexive-transitive supervisor relation:
	// closure[supervisor][subordinate] = depth.
	closure map[uint64]map[uint64]int

	ordersByOwner    map[uint64][]uint64
	customersByAdmin map[uint64][]uint64
	fundsByHandler   map[uint64][]uint64
	fundsByOrder     map[uint64][]uint64
	fundsByCustomer  map[uint64][]uint64

	stage     *snapshot // guarded by mu
	published atomic.Pointer[snapshot]

	batchSize int
}

var _ storage.FinanceDatastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] with default options.
func New(opts ...StorageOption) *MemoryBackend {
	m := &MemoryBackend{
		users:            make(map[uint64]*storage.User),
		orders:           make(map[uint64]uint64),
		customers:        make(map[uint64]uint64),
		funds:            make(map[uint64]storage.Fund),
		closure:          make(map[uint64]map[uint64]int),
		ordersByOwner:    make(map[uint64][]uint64),
		customersByAdmin: make(map[uint64][]uint64),
		fundsByHandler:   make(map[uint64][]uint64),
		fundsByOrder:     make(map[uint64][]uint64),
		fundsByCustomer:  make(map[uint64][]uint64),
		batchSize:        storage.DefaultBatchSize,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Close releases the datastore resources.
func (m *MemoryBackend) Close() {}

// IsReady see [storage.FinanceDatastore].IsReady.
func (m *MemoryBackend) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReadinessStatus{}, err
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// WriteUser stores a user and its reflexive closure row.
func (m *MemoryBackend) WriteUser(u *storage.User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.users[u.ID] = &cp
	if m.closure[u.ID] == nil {
		m.closure[u.ID] = map[uint64]int{u.ID: 0}
	}
}

// WriteHierarchyEdge records a precomputed closure fact.
func (m *MemoryBackend) WriteHierarchyEdge(supervisorID, subordinateID uint64, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closure[supervisorID] == nil {
		m.closure[supervisorID] = map[uint64]int{supervisorID: 0}
	}
	m.closure[supervisorID][subordinateID] = depth
}

// BuildHierarchyClosure derives the full reflexive-transitive closure from
// the users' parent references via iterative breadth-first expansion. It
// stands in for the external collaborator that maintains the closure table.
func (m *MemoryBackend) BuildHierarchyClosure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	children := make(map[uint64][]uint64, len(m.users))
	for id, u := range m.users {
		if u.ParentID != 0 {
			children[u.ParentID] = append(children[u.ParentID], id)
		}
	}

	for rootID := range m.users {
		closure := map[uint64]int{rootID: 0}
		frontier := []uint64{rootID}
		depth := 0
		for len(frontier) > 0 {
			depth++
			var next []uint64
			for _, id := range frontier {
				for _, child := range children[id] {
					if _, seen := closure[child]; seen {
						continue
					}
					closure[child] = depth
					next = append(next, child)
				}
			}
			frontier = next
		}
		m.closure[rootID] = closure
	}
}

// WriteOrder stores an order ownership row.
func (m *MemoryBackend) WriteOrder(orderID, ownerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[orderID] = ownerID
	m.ordersByOwner[ownerID] = append(m.ordersByOwner[ownerID], orderID)
}

// WriteCustomer stores a customer administration row.
func (m *MemoryBackend) WriteCustomer(customerID, adminID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.customers[customerID] = adminID
	m.customersByAdmin[adminID] = append(m.customersByAdmin[adminID], customerID)
}

// WriteFund stores a financial record. Handler display fields are
// denormalized at read time from the users table.
func (m *MemoryBackend) WriteFund(f storage.Fund) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.funds[f.FundID] = f
	m.fundsByHandler[f.HandleBy] = append(m.fundsByHandler[f.HandleBy], f.FundID)
	if f.OrderID != 0 {
		m.fundsByOrder[f.OrderID] = append(m.fundsByOrder[f.OrderID], f.FundID)
	}
	if f.CustomerID != 0 {
		m.fundsByCustomer[f.CustomerID] = append(m.fundsByCustomer[f.CustomerID], f.FundID)
	}
}

// GetUser see [storage.HierarchyReader].GetUser.
func (m *MemoryBackend) GetUser(ctx context.Context, id uint64) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ListUserIDs see [storage.HierarchyReader].ListUserIDs.
func (m *MemoryBackend) ListUserIDs(ctx context.Context) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SubordinatesOf see [storage.HierarchyReader].SubordinatesOf.
func (m *MemoryBackend) SubordinatesOf(ctx context.Context, supervisorID uint64, maxDepth int) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[supervisorID]; !ok {
		return nil, storage.ErrNotFound
	}

	ids := []uint64{supervisorID}
	for sub, depth := range m.closure[supervisorID] {
		if sub == supervisorID {
			continue
		}
		if maxDepth > 0 && depth > maxDepth {
			continue
		}
		ids = append(ids, sub)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryBackend) checkBatch(ids []uint64) error {
	if len(ids) > m.batchSize {
		return storage.ErrBatchTooLarge
	}
	return nil
}

// denormalize is called with m.mu held.
func (m *MemoryBackend) denormalize(f storage.Fund) storage.Fund {
	if u, ok := m.users[f.HandleBy]; ok {
		f.HandlerName = u.Name
		f.Department = u.Department
	}
	return f
}

// fundsByIndex is called with m.mu held. It collects denormalized funds for
// every key in keys through the given index, deduplicating by fund id.
func (m *MemoryBackend) fundsByIndex(index map[uint64][]uint64, keys []uint64) []storage.Fund {
	seen := make(map[uint64]struct{})
	var out []storage.Fund
	for _, key := range keys {
		for _, fundID := range index[key] {
			if _, dup := seen[fundID]; dup {
				continue
			}
			seen[fundID] = struct{}{}
			out = append(out, m.denormalize(m.funds[fundID]))
		}
	}
	return out
}

// ListFundsByHandlers see [storage.RelationReader].ListFundsByHandlers.
func (m *MemoryBackend) ListFundsByHandlers(ctx context.Context, handlerIDs []uint64) ([]storage.Fund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(handlerIDs); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fundsByIndex(m.fundsByHandler, handlerIDs), nil
}

// ListOrderIDsByOwners see [storage.RelationReader].ListOrderIDsByOwners.
func (m *MemoryBackend) ListOrderIDsByOwners(ctx context.Context, ownerIDs []uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(ownerIDs); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uint64
	for _, owner := range ownerIDs {
		out = append(out, m.ordersByOwner[owner]...)
	}
	return out, nil
}

// ListFundsByOrderIDs see [storage.RelationReader].ListFundsByOrderIDs.
func (m *MemoryBackend) ListFundsByOrderIDs(ctx context.Context, orderIDs []uint64) ([]storage.Fund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(orderIDs); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fundsByIndex(m.fundsByOrder, orderIDs), nil
}

// ListCustomerIDsByAdmins see [storage.RelationReader].ListCustomerIDsByAdmins.
func (m *MemoryBackend) ListCustomerIDsByAdmins(ctx context.Context, adminIDs []uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(adminIDs); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uint64
	for _, admin := range adminIDs {
		out = append(out, m.customersByAdmin[admin]...)
	}
	return out, nil
}

// ListFundsByCustomerIDs see [storage.RelationReader].ListFundsByCustomerIDs.
func (m *MemoryBackend) ListFundsByCustomerIDs(ctx context.Context, customerIDs []uint64) ([]storage.Fund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(customerIDs); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fundsByIndex(m.fundsByCustomer, customerIDs), nil
}

// StageSnapshot see [storage.SnapshotStore].StageSnapshot.
func (m *MemoryBackend) StageSnapshot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stage = &snapshot{}
	return nil
}

// LoadSnapshotDimension see [storage.SnapshotStore].LoadSnapshotDimension.
func (m *MemoryBackend) LoadSnapshotDimension(ctx context.Context, t permission.Type) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stage == nil {
		return 0, storage.ErrNoStagedSnapshot
	}

	now := time.Now().UTC()
	var loaded int64
	for supervisorID, subs := range m.closure {
		// deterministic subordinate order keeps rebuilds comparable
		subIDs := make([]uint64, 0, len(subs))
		for sub := range subs {
			subIDs = append(subIDs, sub)
		}
		sort.Slice(subIDs, func(i, j int) bool { return subIDs[i] < subIDs[j] })

		seen := make(map[uint64]struct{})
		for _, sub := range subIDs {
			var fundIDs []uint64
			switch t {
			case permission.TypeHandle:
				fundIDs = m.fundsByHandler[sub]
			case permission.TypeOrder:
				for _, orderID := range m.ordersByOwner[sub] {
					fundIDs = append(fundIDs, m.fundsByOrder[orderID]...)
				}
			case permission.TypeCustomer:
				for _, customerID := range m.customersByAdmin[sub] {
					fundIDs = append(fundIDs, m.fundsByCustomer[customerID]...)
				}
			}

			for _, fundID := range fundIDs {
				if _, dup := seen[fundID]; dup {
					continue
				}
				seen[fundID] = struct{}{}
				m.stage.facts = append(m.stage.facts, storage.AccessFact{
					SupervisorID: supervisorID,
					Fund:         m.denormalize(m.funds[fundID]),
					Type:         t,
					LastUpdated:  now,
				})
				loaded++
			}
		}
	}

	return loaded, nil
}

// CollapseSnapshotToPairs see [storage.SnapshotStore].CollapseSnapshotToPairs.
func (m *MemoryBackend) CollapseSnapshotToPairs(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stage == nil {
		return 0, storage.ErrNoStagedSnapshot
	}

	type pair struct{ supervisor, fund uint64 }
	seen := make(map[pair]struct{}, len(m.stage.facts))
	kept := m.stage.facts[:0]
	var removed int64
	for _, f := range m.stage.facts {
		p := pair{f.SupervisorID, f.Fund.FundID}
		if _, dup := seen[p]; dup {
			removed++
			continue
		}
		seen[p] = struct{}{}
		kept = append(kept, f)
	}
	m.stage.facts = kept
	return removed, nil
}

// IndexSnapshot see [storage.SnapshotStore].IndexSnapshot.
func (m *MemoryBackend) IndexSnapshot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stage == nil {
		return storage.ErrNoStagedSnapshot
	}
	m.stage.buildIndexes()
	return nil
}

// StagedSnapshotCountsByType see [storage.SnapshotStore].StagedSnapshotCountsByType.
func (m *MemoryBackend) StagedSnapshotCountsByType(ctx context.Context) (map[permission.Type]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.stage == nil {
		return nil, storage.ErrNoStagedSnapshot
	}
	return m.stage.countsByType(), nil
}

// PublishSnapshot see [storage.SnapshotStore].PublishSnapshot.
func (m *MemoryBackend) PublishSnapshot(ctx context.Context, generationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stage == nil {
		return storage.ErrNoStagedSnapshot
	}
	if !m.stage.indexed {
		m.stage.buildIndexes()
	}

	m.stage.generationID = generationID
	m.stage.publishedAt = time.Now().UTC()

	// The swap is the only point where readers change snapshots; the
	// previous snapshot remains fully intact until this store.
	m.published.Store(m.stage)
	m.stage = nil
	return nil
}

// HasSnapshot see [storage.SnapshotStore].HasSnapshot.
func (m *MemoryBackend) HasSnapshot(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.published.Load() != nil, nil
}

// ListSnapshotFacts see [storage.SnapshotStore].ListSnapshotFacts.
func (m *MemoryBackend) ListSnapshotFacts(ctx context.Context, supervisorID uint64, typeFilter *permission.Type) ([]storage.AccessFact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := m.published.Load()
	if snap == nil {
		return nil, storage.ErrNoPublishedSnapshot
	}

	var out []storage.AccessFact
	for _, i := range snap.bySupervisor[supervisorID] {
		f := snap.facts[i]
		if typeFilter != nil && f.Type != *typeFilter {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// SnapshotCountsByType see [storage.SnapshotStore].SnapshotCountsByType.
func (m *MemoryBackend) SnapshotCountsByType(ctx context.Context) (map[permission.Type]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := m.published.Load()
	if snap == nil {
		return nil, storage.ErrNoPublishedSnapshot
	}
	return snap.countsByType(), nil
}

// RevokeFund see [storage.SnapshotStore].RevokeFund.
func (m *MemoryBackend) RevokeFund(ctx context.Context, fundID uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.published.Load()
	if snap == nil {
		return 0, storage.ErrNoPublishedSnapshot
	}

	affected := make(map[uint64]struct{})
	for _, i := range snap.byFund[fundID] {
		affected[snap.facts[i].SupervisorID] = struct{}{}
	}
	if len(affected) == 0 {
		return 0, nil
	}

	// Published snapshots are immutable: build the revoked view out-of-place
	// and swap the handle, mirroring the publish step.
	next := &snapshot{
		generationID: snap.generationID,
		publishedAt:  snap.publishedAt,
		facts:        make([]storage.AccessFact, 0, len(snap.facts)),
	}
	for _, f := range snap.facts {
		if f.Fund.FundID == fundID {
			continue
		}
		next.facts = append(next.facts, f)
	}
	next.buildIndexes()
	m.published.Store(next)

	return int64(len(affected)), nil
}
