package ledger

import (
	"context"
	"sync"

	"chain-monitor/internal/chain"

	"github.com/shopspring/decimal"
)

// MemStore 内存版 Store/Outcomes 实现
// 用于测试和无持久化的试运行; 语义与 GormStore 一致 (整块原子)
type MemStore struct {
	mu sync.Mutex

	cursor   chain.BlockRef
	recent   []chain.BlockRef
	balances map[AccountKey]AccountState
	applied  map[string]AppliedRecord

	delivered   map[string]bool
	deadLetters map[string]DeadLetterEntry

	// FailNextApply 让下一次 ApplyBlock 返回这个错误 (测试部分失败重试路径)
	FailNextApply error
}

// DeadLetterEntry 死信记录
type DeadLetterEntry struct {
	EventKey string
	Payload  []byte
	Attempts int
	LastErr  string
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances:    make(map[AccountKey]AccountState),
		applied:     make(map[string]AppliedRecord),
		delivered:   make(map[string]bool),
		deadLetters: make(map[string]DeadLetterEntry),
	}
}

func (s *MemStore) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &State{
		Cursor:   s.cursor,
		Recent:   append([]chain.BlockRef(nil), s.recent...),
		Balances: make(map[AccountKey]AccountState, len(s.balances)),
	}
	for k, v := range s.balances {
		state.Balances[k] = v
	}
	for _, rec := range s.applied {
		state.Applied = append(state.Applied, rec)
	}
	return state, nil
}

func (s *MemStore) ApplyBlock(ctx context.Context, delta *BlockDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNextApply; err != nil {
		s.FailNextApply = nil
		return err
	}

	for _, rec := range delta.Records {
		s.applied[rec.Event.Key()] = rec
	}
	for acct, bal := range delta.Balances {
		s.balances[acct] = AccountState{Balance: bal, Cursor: delta.Ref}
	}
	s.cursor = delta.Ref
	s.recent = append([]chain.BlockRef(nil), delta.Recent...)
	return nil
}

func (s *MemStore) RollbackBlock(ctx context.Context, rb *BlockRollback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range rb.EventKeys {
		delete(s.applied, key)
	}
	for acct, bal := range rb.Balances {
		s.balances[acct] = AccountState{Balance: bal, Cursor: rb.NewCursor}
	}
	s.cursor = rb.NewCursor
	s.recent = append([]chain.BlockRef(nil), rb.Recent...)
	return nil
}

func (s *MemStore) MarkDelivered(ctx context.Context, eventKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[eventKey] = true
	return nil
}

func (s *MemStore) DeadLetter(ctx context.Context, eventKey string, payload []byte, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.deadLetters[eventKey]; dup {
		return nil
	}
	s.deadLetters[eventKey] = DeadLetterEntry{
		EventKey: eventKey,
		Payload:  payload,
		Attempts: attempts,
		LastErr:  lastErr,
	}
	return nil
}

// Cursor 当前持久化游标 (测试断言用)
func (s *MemStore) Cursor() chain.BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Balance 当前持久化余额 (测试断言用)
func (s *MemStore) Balance(key AccountKey) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.balances[key]; ok {
		return st.Balance
	}
	return decimal.Zero
}

// AppliedCount 已应用事件条数 (测试断言用)
func (s *MemStore) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// DeadLetters 死信快照 (测试断言用)
func (s *MemStore) DeadLetters() []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEntry, 0, len(s.deadLetters))
	for _, d := range s.deadLetters {
		out = append(out, d)
	}
	return out
}

// Delivered 是否已投递 (测试断言用)
func (s *MemStore) Delivered(eventKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[eventKey]
}

var _ Store = (*MemStore)(nil)
var _ Outcomes = (*MemStore)(nil)
