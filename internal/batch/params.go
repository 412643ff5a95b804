package batch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunTimestampKey is appended by triggers so every launch gets a distinct
// identity.
const RunTimestampKey = "run.timestamp"

type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Parameters is an ordered set of job parameters. Keys are unique; setting an
// existing key keeps its original position.
type Parameters struct {
	entries []Parameter
}

// NewParameters builds parameters from alternating key/value pairs. A trailing
// key without a value is kept with an empty value.
func NewParameters(kv ...string) Parameters {
	var p Parameters
	for i := 0; i < len(kv); i += 2 {
		var v string
		if i+1 < len(kv) {
			v = kv[i+1]
		}
		p = p.With(kv[i], v)
	}
	return p
}

func (p Parameters) With(key, value string) Parameters {
	out := p.clone()
	for i := range out.entries {
		if out.entries[i].Key == key {
			out.entries[i].Value = value
			return out
		}
	}
	out.entries = append(out.entries, Parameter{Key: key, Value: value})
	return out
}

func (p Parameters) Get(key string) (string, bool) {
	for _, e := range p.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (p Parameters) Entries() []Parameter {
	return append([]Parameter(nil), p.entries...)
}

func (p Parameters) Len() int {
	return len(p.entries)
}

// Identity is the canonical form used to detect duplicate launches.
func (p Parameters) Identity() string {
	var b strings.Builder
	for i, e := range p.entries {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%q=%q", e.Key, e.Value)
	}
	return b.String()
}

func (p Parameters) String() string {
	return p.Identity()
}

func (p Parameters) clone() Parameters {
	return Parameters{entries: append([]Parameter(nil), p.entries...)}
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	if p.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.entries)
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	var entries []Parameter
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	var out Parameters
	for _, e := range entries {
		out = out.With(e.Key, e.Value)
	}
	*p = out
	return nil
}
