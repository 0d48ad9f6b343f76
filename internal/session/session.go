// Package session implements SessionState (spec.md §3, §4.2): the
// per-connection modaliases, config, globals, and transaction state that
// travels with a client across backend swaps via a state_type_id /
// state_blob pair piggybacked on CommandComplete and echoed on the next
// Execute.
package session

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/geldata/gelsrv/internal/gelerr"

	"github.com/cespare/xxhash/v2"
)

// TxState is the transaction-state machine of spec.md §4.2.
type TxState int

const (
	NotInTx TxState = iota
	InTx
	InFailedTx
)

func (t TxState) String() string {
	switch t {
	case InTx:
		return "T"
	case InFailedTx:
		return "E"
	default:
		return "I"
	}
}

// State is the per-connection session state: modaliases, config, globals,
// and transaction state. StateTypeID and StateBlob are derived, not
// stored independently — call Materialize after any mutation to refresh
// them before they're piggybacked on the next CommandComplete.
type State struct {
	Modaliases map[string]string
	Config     map[string]any
	Globals    map[string]any
	TxState    TxState

	typeID StateTypeID
	blob   []byte
}

// StateTypeID is a stable 16-byte-equivalent hash over the state schema
// (the set of keys present, not their values) used to validate that
// client-echoed state matches what the server expects to rematerialize.
type StateTypeID uint64

// New returns an empty, NotInTx session state.
func New() *State {
	return &State{
		Modaliases: map[string]string{},
		Config:     map[string]any{},
		Globals:    map[string]any{},
		TxState:    NotInTx,
	}
}

// Materialize re-derives StateTypeID and StateBlob from the current
// field values. Invariant (spec.md §3): StateTypeID is zero iff the
// blob is empty; any mutation must call this before the state is next
// echoed to the client.
func (s *State) Materialize() error {
	if len(s.Modaliases) == 0 && len(s.Config) == 0 && len(s.Globals) == 0 {
		s.typeID = 0
		s.blob = nil
		return nil
	}

	blob, err := encodeBlob(s)
	if err != nil {
		return gelerr.Wrap(gelerr.KindInternalServerError, err, "materializing session state")
	}
	s.blob = blob
	s.typeID = schemaHash(s)
	return nil
}

// TypeID returns the last-materialized state type ID.
func (s *State) TypeID() StateTypeID { return s.typeID }

// Blob returns the last-materialized canonical serialization.
func (s *State) Blob() []byte { return s.blob }

// FromWire rebuilds a State from a client-echoed (typeID, blob) pair,
// the inverse of Materialize, used when a client's next Execute carries
// state_typedesc_id/state_data so the server can rematerialize state
// after a backend swap.
func FromWire(typeID StateTypeID, blob []byte) (*State, error) {
	if typeID == 0 && len(blob) == 0 {
		return New(), nil
	}
	s, err := decodeBlob(blob)
	if err != nil {
		return nil, gelerr.Wrap(gelerr.KindProtocolError, err, "decoding echoed session state")
	}
	got := schemaHash(s)
	if got != typeID {
		return nil, gelerr.New(gelerr.KindProtocolError,
			"state_type_id mismatch: client sent %d, blob hashes to %d", typeID, got)
	}
	s.typeID = typeID
	s.blob = blob
	return s, nil
}

// wireState is the gob-stable shape encoded/decoded for StateBlob.
// Kept separate from State so TxState/derived fields never leak into
// the blob: only modaliases/config/globals are part of session state
// that crosses the wire (transaction state is server-local and is
// reported separately via ReadyForCommand).
type wireState struct {
	Modaliases map[string]string
	Config     map[string]any
	Globals    map[string]any
}

func encodeBlob(s *State) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireState{
		Modaliases: s.Modaliases,
		Config:     s.Config,
		Globals:    s.Globals,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlob(blob []byte) (*State, error) {
	var w wireState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&w); err != nil {
		return nil, err
	}
	if w.Modaliases == nil {
		w.Modaliases = map[string]string{}
	}
	if w.Config == nil {
		w.Config = map[string]any{}
	}
	if w.Globals == nil {
		w.Globals = map[string]any{}
	}
	return &State{Modaliases: w.Modaliases, Config: w.Config, Globals: w.Globals, TxState: NotInTx}, nil
}

// schemaHash hashes the *set of keys* present across modaliases, config,
// and globals — this is "the state schema" of spec.md §4.2, stable
// across value changes but not across additions/removals of a key.
func schemaHash(s *State) StateTypeID {
	keys := make([]string, 0, len(s.Modaliases)+len(s.Config)+len(s.Globals))
	for k := range s.Modaliases {
		keys = append(keys, "m:"+k)
	}
	for k := range s.Config {
		keys = append(keys, "c:"+k)
	}
	for k := range s.Globals {
		keys = append(keys, "g:"+k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s\x00", k)
	}
	return StateTypeID(h.Sum64())
}

// BeginTx transitions NotInTx -> InTx. Returns a TransactionError if
// already inside a transaction (nested START TRANSACTION).
func (s *State) BeginTx() error {
	switch s.TxState {
	case NotInTx:
		s.TxState = InTx
		return nil
	case InTx:
		return gelerr.New(gelerr.KindTransactionError, "already in transaction")
	default:
		return gelerr.New(gelerr.KindTransactionError, "cannot start transaction: current transaction is aborted")
	}
}

// EndTx transitions InTx/InFailedTx -> NotInTx on COMMIT or ROLLBACK.
func (s *State) EndTx() {
	s.TxState = NotInTx
}

// Fail transitions InTx -> InFailedTx on any in-transaction error.
func (s *State) Fail() {
	if s.TxState == InTx {
		s.TxState = InFailedTx
	}
}

// CheckExecutable returns a TransactionError if a non-rollback command
// is attempted while InFailedTx (spec.md §4.7).
func (s *State) CheckExecutable(isRollback bool) error {
	if s.TxState == InFailedTx && !isRollback {
		return gelerr.New(gelerr.KindTransactionError,
			"current transaction is aborted, commands ignored until end of transaction block")
	}
	return nil
}
