package evaluator

import (
	"encoding/json"

	"depgraph/internal/depgrapherr"
)

// inputsRecord is what gets stored in the Inputs sublevel for a
// non-source node: its resolved input keys, plus a byte-string snapshot of
// each input's value at the time this node was last computed.
//
// The snapshot values are what let conditional recompute decide whether any
// input actually changed, by comparing a freshly pulled input value's
// serialized bytes against what this node saw last time it computed (value
// equality throughout this engine is judged by serialized byte string).
// Without the snapshot, a source node's freshly set value and its own prior
// value would be indistinguishable once the source itself reports
// up-to-date freshness, since the freshness tri-state alone only tells a
// dependent that recomputation is warranted, not whether the value actually
// moved.
type inputsRecord struct {
	Keys   []string          `json:"keys"`
	Values []json.RawMessage `json:"values"`
}

func marshalInputsRecord(keys []string, values []interface{}) ([]byte, error) {
	raw := make([]json.RawMessage, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &depgrapherr.StorageError{Op: "marshal input value", Err: err}
		}
		raw[i] = b
	}
	b, err := json.Marshal(inputsRecord{Keys: keys, Values: raw})
	if err != nil {
		return nil, &depgrapherr.StorageError{Op: "marshal inputs record", Err: err}
	}
	return b, nil
}

func unmarshalInputsRecord(b []byte) (inputsRecord, error) {
	var rec inputsRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return inputsRecord{}, &depgrapherr.StorageError{Op: "unmarshal inputs record", Err: err}
	}
	return rec, nil
}
