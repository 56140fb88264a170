package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"earnings-sync-sol/internal/types"
)

type eventKey struct {
	signature string
	eventID   uint32
}

type memState struct {
	players    map[types.Pubkey]Player
	businesses map[types.Pubkey]map[uint8]Business
	events     map[eventKey]EventRecord
}

func newMemState() *memState {
	return &memState{
		players:    map[types.Pubkey]Player{},
		businesses: map[types.Pubkey]map[uint8]Business{},
		events:     map[eventKey]EventRecord{},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		players:    make(map[types.Pubkey]Player, len(s.players)),
		businesses: make(map[types.Pubkey]map[uint8]Business, len(s.businesses)),
		events:     make(map[eventKey]EventRecord, len(s.events)),
	}
	for k, v := range s.players {
		out.players[k] = v
	}
	for k, slots := range s.businesses {
		m := make(map[uint8]Business, len(slots))
		for i, b := range slots {
			m[i] = b
		}
		out.businesses[k] = m
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

// MemoryStore 进程内存储，用于测试与无数据库的本地运行。
// 同一时刻只允许一个写会话，提交时整体替换快照。
type MemoryStore struct {
	writer chan struct{}

	mu   sync.RWMutex
	data *memState
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		writer: make(chan struct{}, 1),
		data:   newMemState(),
		now:    time.Now,
	}
}

func (m *MemoryStore) Begin(ctx context.Context) (Session, error) {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.RLock()
	work := m.data.clone()
	m.mu.RUnlock()
	return &memSession{store: m, work: work}, nil
}

func (m *MemoryStore) ListWallets(_ context.Context) ([]types.Pubkey, error) {
	return m.listWallets(false), nil
}

func (m *MemoryStore) ListActiveWallets(_ context.Context) ([]types.Pubkey, error) {
	return m.listWallets(true), nil
}

func (m *MemoryStore) listWallets(activeOnly bool) []types.Pubkey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Pubkey, 0, len(m.data.players))
	for w, p := range m.data.players {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, w)
	}
	sortPubkeys(out)
	return out
}

// Player 读取已提交的玩家快照，测试辅助
func (m *MemoryStore) Player(wallet types.Pubkey) (Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.data.players[wallet]
	return p, ok
}

// Businesses 读取已提交的槽位快照，按 SlotIndex 排序
func (m *MemoryStore) Businesses(wallet types.Pubkey) []Business {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedBusinesses(m.data.businesses[wallet])
}

// EventCount 已记录的事件数
func (m *MemoryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data.events)
}

func (m *MemoryStore) Close() {}

type memSession struct {
	store *MemoryStore
	work  *memState
	done  bool
}

func (s *memSession) GetPlayer(_ context.Context, wallet types.Pubkey) (*Player, error) {
	if s.done {
		return nil, ErrSessionClosed
	}
	p, ok := s.work.players[wallet]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memSession) UpsertPlayer(_ context.Context, p *Player) error {
	if s.done {
		return ErrSessionClosed
	}
	cp := *p
	now := s.store.now()
	if old, ok := s.work.players[p.Wallet]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.work.players[p.Wallet] = cp
	return nil
}

func (s *memSession) DeletePlayer(_ context.Context, wallet types.Pubkey) (bool, error) {
	if s.done {
		return false, ErrSessionClosed
	}
	_, ok := s.work.players[wallet]
	delete(s.work.players, wallet)
	return ok, nil
}

func (s *memSession) ListBusinesses(_ context.Context, wallet types.Pubkey) ([]*Business, error) {
	if s.done {
		return nil, ErrSessionClosed
	}
	sorted := sortedBusinesses(s.work.businesses[wallet])
	out := make([]*Business, len(sorted))
	for i := range sorted {
		out[i] = &sorted[i]
	}
	return out, nil
}

func (s *memSession) UpsertBusiness(_ context.Context, b *Business) error {
	if s.done {
		return ErrSessionClosed
	}
	slots, ok := s.work.businesses[b.Wallet]
	if !ok {
		slots = map[uint8]Business{}
		s.work.businesses[b.Wallet] = slots
	}
	cp := *b
	cp.UpdatedAt = s.store.now()
	slots[b.SlotIndex] = cp
	return nil
}

func (s *memSession) DeleteBusiness(_ context.Context, wallet types.Pubkey, slotIndex uint8) (bool, error) {
	if s.done {
		return false, ErrSessionClosed
	}
	slots := s.work.businesses[wallet]
	if _, ok := slots[slotIndex]; !ok {
		return false, nil
	}
	delete(slots, slotIndex)
	if len(slots) == 0 {
		delete(s.work.businesses, wallet)
	}
	return true, nil
}

func (s *memSession) DeleteBusinesses(_ context.Context, wallet types.Pubkey) (int64, error) {
	if s.done {
		return 0, ErrSessionClosed
	}
	n := int64(len(s.work.businesses[wallet]))
	delete(s.work.businesses, wallet)
	return n, nil
}

func (s *memSession) RecordEvent(_ context.Context, rec *EventRecord) (bool, error) {
	if s.done {
		return false, ErrSessionClosed
	}
	key := eventKey{signature: rec.Signature, eventID: rec.EventID}
	if _, ok := s.work.events[key]; ok {
		return false, nil
	}
	cp := *rec
	if cp.AppliedAt.IsZero() {
		cp.AppliedAt = s.store.now()
	}
	s.work.events[key] = cp
	return true, nil
}

func (s *memSession) Savepoint(_ context.Context, fn func(Session) error) error {
	if s.done {
		return ErrSessionClosed
	}
	snapshot := s.work.clone()
	if err := fn(s); err != nil {
		s.work = snapshot
		return err
	}
	return nil
}

func (s *memSession) Commit(_ context.Context) error {
	if s.done {
		return ErrSessionClosed
	}
	s.done = true
	s.store.mu.Lock()
	s.store.data = s.work
	s.store.mu.Unlock()
	<-s.store.writer
	return nil
}

func (s *memSession) Rollback(_ context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	<-s.store.writer
	return nil
}

func sortedBusinesses(slots map[uint8]Business) []Business {
	out := make([]Business, 0, len(slots))
	for _, b := range slots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotIndex < out[j].SlotIndex })
	return out
}

func sortPubkeys(keys []types.Pubkey) {
	sort.Slice(keys, func(i, j int) bool {
		for k := range keys[i] {
			if keys[i][k] != keys[j][k] {
				return keys[i][k] < keys[j][k]
			}
		}
		return false
	})
}
