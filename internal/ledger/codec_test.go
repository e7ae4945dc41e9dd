package ledger

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAccountRoundTripKeepsDecimalsAndDropsRevision(t *testing.T) {
	in := Account{
		ID:        "acc-1",
		UserID:    "user-1",
		Balance:   decimal.RequireFromString("1234.56"),
		Ceiling:   decimal.NewFromInt(50000),
		Status:    AccountStatusActive,
		Revision:  7,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	body, err := EncodeAccount(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(body), "Revision") || strings.Contains(string(body), `"revision"`) {
		t.Fatalf("revision leaked into body: %s", body)
	}

	out, err := DecodeAccount(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Balance.Equal(in.Balance) || !out.Ceiling.Equal(in.Ceiling) {
		t.Fatalf("decimals changed: %s %s", out.Balance, out.Ceiling)
	}
	if out.Revision != 0 {
		t.Fatalf("revision should not round-trip, got %d", out.Revision)
	}
}

func TestDecodeRejectsUnknownVersionAndKind(t *testing.T) {
	future, _ := json.Marshal(envelope{Kind: KindAccount, Version: 99, Data: json.RawMessage(`{}`)})
	if _, err := DecodeAccount(future); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("expected unsupported schema, got %v", err)
	}

	body, err := EncodeTransaction(Transaction{ID: "t1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeAccount(body); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("expected kind mismatch to be rejected, got %v", err)
	}

	if _, err := DecodeIntent([]byte("not json")); err == nil {
		t.Fatalf("expected garbage to fail")
	}
}

func TestDecodeUpgradesOlderVersions(t *testing.T) {
	prevVersion := schemaVersions[KindOperation]
	prevUpgrades := upgrades[KindOperation]
	t.Cleanup(func() {
		schemaVersions[KindOperation] = prevVersion
		upgrades[KindOperation] = prevUpgrades
	})

	// Pretend version 2 renamed "reason" to "justification".
	schemaVersions[KindOperation] = 2
	upgrades[KindOperation] = map[int]func(json.RawMessage) (json.RawMessage, error){
		1: func(data json.RawMessage) (json.RawMessage, error) {
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			m["justification"] = m["reason"]
			delete(m, "reason")
			return json.Marshal(m)
		},
	}

	old, _ := json.Marshal(envelope{
		Kind:    KindOperation,
		Version: 1,
		Data:    json.RawMessage(`{"id":"op-1","admin_id":"adm","reason":"chargeback"}`),
	})
	op, err := DecodeOperation(old)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.ID != "op-1" || op.Justification != "chargeback" {
		t.Fatalf("upgrade not applied: %+v", op)
	}
}
