package ledger

import (
	"encoding/json"
	"fmt"
)

// RecordKind names a persisted collection. Keep stable; it is written into every stored document.
type RecordKind string

const (
	KindAccount     RecordKind = "account"
	KindTransaction RecordKind = "transaction"
	KindIntent      RecordKind = "intent"
	KindOperation   RecordKind = "operation"
)

// Current schema version per record kind. Bump when a field changes meaning and add an upgrade
// step to upgrades so older documents keep decoding.
var schemaVersions = map[RecordKind]int{
	KindAccount:     1,
	KindTransaction: 1,
	KindIntent:      1,
	KindOperation:   1,
}

// upgrades rewrites the data of an older document version into the next version, keyed by
// kind and source version.
var upgrades = map[RecordKind]map[int]func(json.RawMessage) (json.RawMessage, error){}

// SchemaVersion returns the version written for new documents of kind.
func SchemaVersion(kind RecordKind) int {
	return schemaVersions[kind]
}

type envelope struct {
	Kind    RecordKind      `json:"kind"`
	Version int             `json:"schema_version"`
	Data    json.RawMessage `json:"data"`
}

func encode(kind RecordKind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Version: schemaVersions[kind], Data: data})
}

func decode(kind RecordKind, body []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	if env.Kind != kind {
		return Errorf(CodeUnsupportedSchema, "expected %s document, got %q", kind, env.Kind)
	}
	current := schemaVersions[kind]
	if env.Version <= 0 || env.Version > current {
		return Errorf(CodeUnsupportedSchema, "%s schema version %d (current %d)", kind, env.Version, current)
	}
	data := env.Data
	for ver := env.Version; ver < current; ver++ {
		up, ok := upgrades[kind][ver]
		if !ok {
			return Errorf(CodeUnsupportedSchema, "no upgrade for %s schema version %d", kind, ver)
		}
		var err error
		if data, err = up(data); err != nil {
			return fmt.Errorf("upgrade %s from version %d: %w", kind, ver, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func EncodeAccount(a Account) ([]byte, error) { return encode(KindAccount, a) }

func DecodeAccount(body []byte) (Account, error) {
	var a Account
	err := decode(KindAccount, body, &a)
	return a, err
}

func EncodeTransaction(t Transaction) ([]byte, error) { return encode(KindTransaction, t) }

func DecodeTransaction(body []byte) (Transaction, error) {
	var t Transaction
	err := decode(KindTransaction, body, &t)
	return t, err
}

func EncodeIntent(i Intent) ([]byte, error) { return encode(KindIntent, i) }

func DecodeIntent(body []byte) (Intent, error) {
	var i Intent
	err := decode(KindIntent, body, &i)
	return i, err
}

func EncodeOperation(o Operation) ([]byte, error) { return encode(KindOperation, o) }

func DecodeOperation(body []byte) (Operation, error) {
	var o Operation
	err := decode(KindOperation, body, &o)
	return o, err
}
