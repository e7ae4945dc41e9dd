// Package memory is an in-process ledger store with optimistic concurrency control.
//
// Documents are kept encoded with the ledger codec, exactly as a remote document store would
// hold them. Transactions buffer their writes and record every document and index entry they
// observe; commit re-validates those observations under the store lock and aborts with
// ledger.ErrConflict if any of them moved.
package memory

import (
	"context"
	"sync"
	"time"

	"storefront-ledger/internal/ledger"
)

type doc struct {
	rev  int64
	body []byte
}

type Store struct {
	mu sync.Mutex

	accounts      map[string]doc
	accountByUser map[string]string
	fingerprints  map[string]string

	intents     map[string]doc
	intentByKey map[string]string

	transactions map[string][]byte
	txByAccount  map[string][]string
	txByKey      map[string]string

	operations [][]byte

	clock func() time.Time
	last  time.Time
}

func New() *Store {
	return &Store{
		accounts:      map[string]doc{},
		accountByUser: map[string]string{},
		fingerprints:  map[string]string{},
		intents:       map[string]doc{},
		intentByKey:   map[string]string{},
		transactions:  map[string][]byte{},
		txByAccount:   map[string][]string{},
		txByKey:       map[string]string{},
		clock:         time.Now,
	}
}

// WithClock replaces the time source used for store-assigned timestamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// tickLocked returns a timestamp strictly after every timestamp handed out before.
func (s *Store) tickLocked() time.Time {
	t := s.clock().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) RunTx(ctx context.Context, fn ledger.TxFunc) error {
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

// --- Reader ---

func (s *Store) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	s.mu.Lock()
	d, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		return ledger.Account{}, ledger.Errorf(ledger.CodeNotFound, "account %s", id)
	}
	return decodeAccount(d)
}

func (s *Store) FindAccountByUser(ctx context.Context, userID string) (ledger.Account, bool, error) {
	s.mu.Lock()
	id, ok := s.accountByUser[userID]
	s.mu.Unlock()
	if !ok {
		return ledger.Account{}, false, nil
	}
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.Lock()
	docs := make([]doc, 0, len(s.accounts))
	for _, d := range s.accounts {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	out := make([]ledger.Account, 0, len(docs))
	for _, d := range docs {
		a, err := decodeAccount(d)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) GetIntent(_ context.Context, id string) (ledger.Intent, error) {
	s.mu.Lock()
	d, ok := s.intents[id]
	s.mu.Unlock()
	if !ok {
		return ledger.Intent{}, ledger.Errorf(ledger.CodeNotFound, "intent %s", id)
	}
	return decodeIntent(d)
}

func (s *Store) ListTransactions(_ context.Context, accountID string) ([]ledger.Transaction, error) {
	s.mu.Lock()
	ids := s.txByAccount[accountID]
	bodies := make([][]byte, 0, len(ids))
	for _, id := range ids {
		bodies = append(bodies, s.transactions[id])
	}
	s.mu.Unlock()

	out := make([]ledger.Transaction, 0, len(bodies))
	for _, b := range bodies {
		t, err := ledger.DecodeTransaction(b)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ListOperations(_ context.Context, filter ledger.OperationFilter) ([]ledger.Operation, error) {
	s.mu.Lock()
	bodies := make([][]byte, len(s.operations))
	copy(bodies, s.operations)
	s.mu.Unlock()

	out := make([]ledger.Operation, 0)
	for _, b := range bodies {
		op, err := ledger.DecodeOperation(b)
		if err != nil {
			return nil, err
		}
		if filter.Match(op) {
			out = append(out, op)
		}
	}
	return out, nil
}

func decodeAccount(d doc) (ledger.Account, error) {
	a, err := ledger.DecodeAccount(d.body)
	if err != nil {
		return ledger.Account{}, err
	}
	a.Revision = d.rev
	return a, nil
}

func decodeIntent(d doc) (ledger.Intent, error) {
	i, err := ledger.DecodeIntent(d.body)
	if err != nil {
		return ledger.Intent{}, err
	}
	i.Revision = d.rev
	return i, nil
}
