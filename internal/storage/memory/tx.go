package memory

import (
	"context"
	"time"

	"storefront-ledger/internal/ledger"
)

type tx struct {
	s   *Store
	now time.Time

	// Observations re-validated at commit. A revision of 0 means "absent".
	accountReads   map[string]int64
	intentReads    map[string]int64
	userReads      map[string]string
	fpReads        map[string]bool
	intentKeyReads map[string]string
	txKeyReads     map[string]bool

	accounts    map[string]ledger.Account
	newAccounts map[string]bool
	intents     map[string]ledger.Intent
	newIntents  map[string]bool

	transactions []ledger.Transaction
	operations   []ledger.Operation
}

func newTx(s *Store) *tx {
	return &tx{
		s:              s,
		accountReads:   map[string]int64{},
		intentReads:    map[string]int64{},
		userReads:      map[string]string{},
		fpReads:        map[string]bool{},
		intentKeyReads: map[string]string{},
		txKeyReads:     map[string]bool{},
		accounts:       map[string]ledger.Account{},
		newAccounts:    map[string]bool{},
		intents:        map[string]ledger.Intent{},
		newIntents:     map[string]bool{},
	}
}

func (t *tx) Now(context.Context) (time.Time, error) {
	if t.now.IsZero() {
		t.s.mu.Lock()
		t.now = t.s.tickLocked()
		t.s.mu.Unlock()
	}
	return t.now, nil
}

func (t *tx) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	t.s.mu.Lock()
	d, ok := t.s.accounts[id]
	t.s.mu.Unlock()
	if !ok {
		t.accountReads[id] = 0
		return ledger.Account{}, ledger.Errorf(ledger.CodeNotFound, "account %s", id)
	}
	a, err := decodeAccount(d)
	if err != nil {
		return ledger.Account{}, err
	}
	if _, seen := t.accountReads[id]; !seen {
		t.accountReads[id] = d.rev
	}
	return a, nil
}

func (t *tx) FindAccountByUser(ctx context.Context, userID string) (ledger.Account, bool, error) {
	for _, a := range t.accounts {
		if a.UserID == userID {
			return a, true, nil
		}
	}
	t.s.mu.Lock()
	id, ok := t.s.accountByUser[userID]
	t.s.mu.Unlock()
	if _, seen := t.userReads[userID]; !seen {
		t.userReads[userID] = id
	}
	if !ok {
		return ledger.Account{}, false, nil
	}
	a, err := t.GetAccount(ctx, id)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

func (t *tx) CardFingerprintExists(_ context.Context, fp string) (bool, error) {
	for _, a := range t.accounts {
		if fp != "" && a.CardFingerprint == fp {
			return true, nil
		}
	}
	t.s.mu.Lock()
	_, ok := t.s.fingerprints[fp]
	t.s.mu.Unlock()
	if _, seen := t.fpReads[fp]; !seen {
		t.fpReads[fp] = ok
	}
	return ok, nil
}

func (t *tx) InsertAccount(_ context.Context, a ledger.Account) error {
	a.Revision = 0
	t.accounts[a.ID] = a
	t.newAccounts[a.ID] = true
	return nil
}

func (t *tx) UpdateAccount(_ context.Context, a ledger.Account) error {
	if t.newAccounts[a.ID] {
		t.accounts[a.ID] = a
		return nil
	}
	observed, ok := t.accountReads[a.ID]
	if !ok || observed == 0 || observed != a.Revision {
		return ledger.ErrConflict
	}
	t.accounts[a.ID] = a
	return nil
}

func (t *tx) GetIntent(_ context.Context, id string) (ledger.Intent, error) {
	if i, ok := t.intents[id]; ok {
		return i, nil
	}
	t.s.mu.Lock()
	d, ok := t.s.intents[id]
	t.s.mu.Unlock()
	if !ok {
		t.intentReads[id] = 0
		return ledger.Intent{}, ledger.Errorf(ledger.CodeNotFound, "intent %s", id)
	}
	i, err := decodeIntent(d)
	if err != nil {
		return ledger.Intent{}, err
	}
	if _, seen := t.intentReads[id]; !seen {
		t.intentReads[id] = d.rev
	}
	return i, nil
}

func (t *tx) FindIntentByKey(ctx context.Context, key string) (ledger.Intent, bool, error) {
	for _, i := range t.intents {
		if i.IdempotencyKey == key {
			return i, true, nil
		}
	}
	t.s.mu.Lock()
	id, ok := t.s.intentByKey[key]
	t.s.mu.Unlock()
	if _, seen := t.intentKeyReads[key]; !seen {
		t.intentKeyReads[key] = id
	}
	if !ok {
		return ledger.Intent{}, false, nil
	}
	i, err := t.GetIntent(ctx, id)
	if err != nil {
		return ledger.Intent{}, false, err
	}
	return i, true, nil
}

func (t *tx) InsertIntent(_ context.Context, i ledger.Intent) error {
	i.Revision = 0
	t.intents[i.ID] = i
	t.newIntents[i.ID] = true
	return nil
}

func (t *tx) UpdateIntent(_ context.Context, i ledger.Intent) error {
	if t.newIntents[i.ID] {
		t.intents[i.ID] = i
		return nil
	}
	observed, ok := t.intentReads[i.ID]
	if !ok || observed == 0 || observed != i.Revision {
		return ledger.ErrConflict
	}
	t.intents[i.ID] = i
	return nil
}

func (t *tx) TransactionKeyExists(_ context.Context, key string) (bool, error) {
	for _, tr := range t.transactions {
		if tr.IdempotencyKey == key {
			return true, nil
		}
	}
	t.s.mu.Lock()
	_, ok := t.s.txByKey[key]
	t.s.mu.Unlock()
	if _, seen := t.txKeyReads[key]; !seen {
		t.txKeyReads[key] = ok
	}
	return ok, nil
}

func (t *tx) AppendTransaction(_ context.Context, tr ledger.Transaction) error {
	t.transactions = append(t.transactions, tr)
	return nil
}

func (t *tx) AppendOperation(_ context.Context, op ledger.Operation) error {
	t.operations = append(t.operations, op)
	return nil
}

type encodedTx struct {
	id, accountID, key string
	body               []byte
}

func (t *tx) commit() error {
	accounts := make(map[string][]byte, len(t.accounts))
	for id, a := range t.accounts {
		b, err := ledger.EncodeAccount(a)
		if err != nil {
			return err
		}
		accounts[id] = b
	}
	intents := make(map[string][]byte, len(t.intents))
	for id, i := range t.intents {
		b, err := ledger.EncodeIntent(i)
		if err != nil {
			return err
		}
		intents[id] = b
	}
	txs := make([]encodedTx, 0, len(t.transactions))
	for _, tr := range t.transactions {
		b, err := ledger.EncodeTransaction(tr)
		if err != nil {
			return err
		}
		txs = append(txs, encodedTx{id: tr.ID, accountID: tr.AccountID, key: tr.IdempotencyKey, body: b})
	}
	ops := make([][]byte, 0, len(t.operations))
	for _, op := range t.operations {
		b, err := ledger.EncodeOperation(op)
		if err != nil {
			return err
		}
		ops = append(ops, b)
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.validateLocked(); err != nil {
		return err
	}

	for id, body := range accounts {
		rev := s.accounts[id].rev + 1
		s.accounts[id] = doc{rev: rev, body: body}
		s.accountByUser[t.accounts[id].UserID] = id
		if fp := t.accounts[id].CardFingerprint; fp != "" {
			s.fingerprints[fp] = id
		}
	}
	for id, body := range intents {
		rev := s.intents[id].rev + 1
		s.intents[id] = doc{rev: rev, body: body}
		s.intentByKey[t.intents[id].IdempotencyKey] = id
	}
	for _, e := range txs {
		s.transactions[e.id] = e.body
		s.txByAccount[e.accountID] = append(s.txByAccount[e.accountID], e.id)
		s.txByKey[e.key] = e.id
	}
	s.operations = append(s.operations, ops...)
	return nil
}

func (t *tx) validateLocked() error {
	s := t.s
	for id, rev := range t.accountReads {
		if s.accounts[id].rev != rev {
			return ledger.ErrConflict
		}
	}
	for id, rev := range t.intentReads {
		if s.intents[id].rev != rev {
			return ledger.ErrConflict
		}
	}
	for user, id := range t.userReads {
		if s.accountByUser[user] != id {
			return ledger.ErrConflict
		}
	}
	for fp, existed := range t.fpReads {
		if _, ok := s.fingerprints[fp]; ok != existed {
			return ledger.ErrConflict
		}
	}
	for key, id := range t.intentKeyReads {
		if s.intentByKey[key] != id {
			return ledger.ErrConflict
		}
	}
	for key, existed := range t.txKeyReads {
		if _, ok := s.txByKey[key]; ok != existed {
			return ledger.ErrConflict
		}
	}

	newFingerprints := make(map[string]bool, len(t.newAccounts))
	for id := range t.newAccounts {
		if _, ok := s.accounts[id]; ok {
			return ledger.ErrConflict
		}
		fp := t.accounts[id].CardFingerprint
		if fp == "" {
			continue
		}
		if _, ok := s.fingerprints[fp]; ok || newFingerprints[fp] {
			return ledger.ErrConflict
		}
		newFingerprints[fp] = true
	}
	for id := range t.newIntents {
		if _, ok := s.intents[id]; ok {
			return ledger.ErrConflict
		}
		if _, ok := s.intentByKey[t.intents[id].IdempotencyKey]; ok {
			return ledger.ErrConflict
		}
	}
	seen := make(map[string]bool, len(t.transactions))
	for _, tr := range t.transactions {
		if _, ok := s.txByKey[tr.IdempotencyKey]; ok || seen[tr.IdempotencyKey] {
			return ledger.ErrConflict
		}
		seen[tr.IdempotencyKey] = true
	}
	return nil
}
