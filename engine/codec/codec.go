// Package codec turns vehicle and tyre attributes into numeric feature
// vectors. A State holds one categorical vocabulary per categorical field and
// one mean/std scaler per numeric field; it is fitted once during training,
// may be extended while training continues, and is frozen before it is
// persisted alongside the estimator that consumed it.
package codec

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/WessleyAI/tyrefit/engine/domain"
)

// UnknownCode is the code of any categorical value not seen at fit time.
// Fitted values are numbered from 1.
const UnknownCode = 0

// ErrFrozen is returned when extending a frozen state.
var ErrFrozen = errors.New("codec: state is frozen")

// Kind is the encoding applied to a field.
type Kind string

const (
	Categorical Kind = "categorical"
	Numeric     Kind = "numeric"
)

// Field is one named input of a schema.
type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Schema is the ordered list of fields an estimator consumes.
type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Validate rejects empty and duplicate field names and unknown kinds.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("codec: schema %q has no fields", s.Name)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("codec: schema %q has an unnamed field", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("codec: schema %q repeats field %q", s.Name, f.Name)
		}
		if f.Kind != Categorical && f.Kind != Numeric {
			return fmt.Errorf("codec: schema %q field %q has kind %q", s.Name, f.Name, f.Kind)
		}
		seen[f.Name] = true
	}
	return nil
}

// Row is one input to the codec. Absent categorical values encode as
// UnknownCode; absent numeric values encode as the fitted mean.
type Row struct {
	Cat map[string]string
	Num map[string]float64
}

// NewRow returns an empty row.
func NewRow() Row {
	return Row{Cat: make(map[string]string), Num: make(map[string]float64)}
}

// FeatureVector is the encoded form of a Row, one value per schema field.
type FeatureVector []float64

// Vocabulary maps folded categorical values to codes. Values[i] has code i+1.
type Vocabulary struct {
	Values []string       `json:"values"`
	codes  map[string]int
}

func newVocabulary(values []string) *Vocabulary {
	v := &Vocabulary{Values: values}
	v.reindex()
	return v
}

func (v *Vocabulary) reindex() {
	v.codes = make(map[string]int, len(v.Values))
	for i, s := range v.Values {
		v.codes[s] = i + 1
	}
}

// Code returns the code for value, or UnknownCode.
func (v *Vocabulary) Code(value string) int {
	if c, ok := v.codes[domain.FoldText(value)]; ok {
		return c
	}
	return UnknownCode
}

// Len is the number of known values.
func (v *Vocabulary) Len() int { return len(v.Values) }

// Scaler standardizes one numeric field.
type Scaler struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Scale applies (x - mean) / std, treating a zero std as one.
func (s Scaler) Scale(x float64) float64 {
	std := s.Std
	if std == 0 {
		std = 1
	}
	return (x - s.Mean) / std
}

// State is a fitted codec. A frozen State is never modified and may be
// shared between goroutines.
type State struct {
	Schema      Schema                 `json:"schema"`
	Categorical map[string]*Vocabulary `json:"categorical"`
	Numeric     map[string]Scaler      `json:"numeric"`
	Frozen      bool                   `json:"frozen"`
}

// Fit builds a State from training rows. Categorical codes are assigned in
// sorted order of the folded values so identical data yields identical codes.
func Fit(schema Schema, rows []Row) (*State, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	st := &State{
		Schema:      schema,
		Categorical: make(map[string]*Vocabulary),
		Numeric:     make(map[string]Scaler),
	}
	for _, f := range schema.Fields {
		switch f.Kind {
		case Categorical:
			seen := make(map[string]bool)
			var values []string
			for _, r := range rows {
				v := domain.FoldText(r.Cat[f.Name])
				if v == "" || seen[v] {
					continue
				}
				seen[v] = true
				values = append(values, v)
			}
			slices.Sort(values)
			st.Categorical[f.Name] = newVocabulary(values)
		case Numeric:
			st.Numeric[f.Name] = fitScaler(f.Name, rows)
		}
	}
	return st, nil
}

func fitScaler(name string, rows []Row) Scaler {
	var n, sum float64
	for _, r := range rows {
		if x, ok := r.Num[name]; ok && !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return Scaler{Mean: 0, Std: 1}
	}
	mean := sum / n
	var ss float64
	for _, r := range rows {
		if x, ok := r.Num[name]; ok && !math.IsNaN(x) {
			ss += (x - mean) * (x - mean)
		}
	}
	return Scaler{Mean: mean, Std: math.Sqrt(ss / n)}
}

// Extend appends categorical values not yet known, giving them the next free
// codes. Existing codes never change. Scalers are not refitted.
func (st *State) Extend(rows []Row) error {
	if st.Frozen {
		return ErrFrozen
	}
	for _, f := range st.Schema.Fields {
		if f.Kind != Categorical {
			continue
		}
		vocab := st.Categorical[f.Name]
		var added []string
		for _, r := range rows {
			v := domain.FoldText(r.Cat[f.Name])
			if v == "" || vocab.Code(v) != UnknownCode || slices.Contains(added, v) {
				continue
			}
			added = append(added, v)
		}
		slices.Sort(added)
		for _, v := range added {
			vocab.Values = append(vocab.Values, v)
			vocab.codes[v] = len(vocab.Values)
		}
	}
	return nil
}

// Freeze marks the state read-only.
func (st *State) Freeze() { st.Frozen = true }

// Transform encodes row in schema order. It never fails: unseen categories
// become UnknownCode and missing numbers become the fitted mean.
func Transform(row Row, st *State) FeatureVector {
	out := make(FeatureVector, len(st.Schema.Fields))
	for i, f := range st.Schema.Fields {
		switch f.Kind {
		case Categorical:
			out[i] = float64(st.Categorical[f.Name].Code(row.Cat[f.Name]))
		case Numeric:
			sc := st.Numeric[f.Name]
			x, ok := row.Num[f.Name]
			if !ok || math.IsNaN(x) {
				x = sc.Mean
			}
			out[i] = sc.Scale(x)
		}
	}
	return out
}

// Transform is shorthand for Transform(row, st).
func (st *State) Transform(row Row) FeatureVector { return Transform(row, st) }

// Decode returns the value that code stands for in a categorical field.
func (st *State) Decode(field string, code int) (string, bool) {
	v, ok := st.Categorical[field]
	if !ok || code <= UnknownCode || code > len(v.Values) {
		return "", false
	}
	return v.Values[code-1], true
}

// Compatible reports whether the state can encode rows for schema. The
// fields must match in name, kind and order.
func (st *State) Compatible(schema Schema) error {
	var missing []string
	for _, f := range schema.Fields {
		if !slices.ContainsFunc(st.Schema.Fields, func(g Field) bool { return g.Name == f.Name }) {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return &domain.SchemaError{Source: "codec " + schema.Name, Missing: missing}
	}
	if len(st.Schema.Fields) != len(schema.Fields) {
		return &domain.SchemaError{
			Source: "codec " + schema.Name,
			Detail: fmt.Sprintf("has %d fields, want %d", len(st.Schema.Fields), len(schema.Fields)),
		}
	}
	for i, f := range schema.Fields {
		g := st.Schema.Fields[i]
		if g != f {
			return &domain.SchemaError{
				Source: "codec " + schema.Name,
				Detail: fmt.Sprintf("field %d is %s/%s, want %s/%s", i, g.Name, g.Kind, f.Name, f.Kind),
			}
		}
	}
	return nil
}

// Check verifies the internal consistency of a state read from storage and
// rebuilds its lookup tables.
func (st *State) Check() error {
	if err := st.Schema.Validate(); err != nil {
		return err
	}
	for _, f := range st.Schema.Fields {
		switch f.Kind {
		case Categorical:
			v, ok := st.Categorical[f.Name]
			if !ok || v == nil {
				return fmt.Errorf("codec: no vocabulary for %q", f.Name)
			}
			v.reindex()
			if len(v.codes) != len(v.Values) {
				return fmt.Errorf("codec: vocabulary for %q has duplicates", f.Name)
			}
		case Numeric:
			sc, ok := st.Numeric[f.Name]
			if !ok {
				return fmt.Errorf("codec: no scaler for %q", f.Name)
			}
			if math.IsNaN(sc.Mean) || math.IsNaN(sc.Std) || sc.Std < 0 {
				return fmt.Errorf("codec: bad scaler for %q", f.Name)
			}
		}
	}
	return nil
}
