// Package schema derives table schemas from JSON payloads and reconciles
// them against the persisted schema through the widening lattice.
package schema

import (
	"encoding/json"
	"sort"

	"github.com/timondb/timon/internal/catalog"
	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/pkg/types"
)

// InferValue classifies a decoded JSON value (decoded with UseNumber) and
// returns its logical type plus the normalized Go representation the
// engine stores: int64, float64, bool, string, or JSON text for nested
// values. A nil value reports ok=false and contributes no type.
func InferValue(v interface{}) (types.FieldType, interface{}, bool) {
	switch x := v.(type) {
	case nil:
		return "", nil, false
	case bool:
		return types.TypeBool, x, true
	case string:
		return types.TypeString, x, true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return types.TypeInt, i, true
		}
		f, _ := x.Float64()
		return types.TypeFloat, f, true
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", nil, false
		}
		return types.TypeJSON, string(raw), true
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", nil, false
		}
		return types.TypeJSON, string(raw), true
	}
}

// Observation is the union of field types seen across one ingest batch.
type Observation map[string]types.FieldType

// Observe folds a field sighting into the observation, widening within
// the batch itself. Two sightings of the same field that cannot widen
// produce a SCHEMA_CONFLICT.
func (o Observation) Observe(field string, t types.FieldType) error {
	prev, seen := o[field]
	if !seen {
		o[field] = t
		return nil
	}
	widened, ok := types.Widen(prev, t)
	if !ok {
		// Within a batch the order of sightings is arbitrary, so try
		// the other direction before giving up.
		widened, ok = types.Widen(t, prev)
	}
	if !ok {
		return errors.New(errors.CodeSchemaConflict,
			"field %q observed as both %s and %s in one batch", field, prev, t)
	}
	o[field] = widened
	return nil
}

// Reconcile merges an observation into the established schema. Existing
// fields keep their position; genuinely new fields are appended in sorted
// order. The returned schema has its version bumped when it differs from
// the input. The input schema is not modified.
func Reconcile(established types.Schema, obs Observation) (types.Schema, error) {
	out := established.Clone()
	changed := false

	for i, field := range out.Fields {
		observed, ok := obs[field.Name]
		if !ok {
			continue
		}
		widened, allowed := types.Widen(field.Type, observed)
		if !allowed {
			return types.Schema{}, errors.New(errors.CodeSchemaConflict,
				"field %q: cannot change type from %s to %s", field.Name, field.Type, observed)
		}
		if widened != field.Type {
			out.Fields[i].Type = widened
			changed = true
		}
	}

	var added []string
	for name := range obs {
		if out.FieldIndex(name) < 0 {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	for _, name := range added {
		out.Fields = append(out.Fields, types.Field{Name: name, Type: obs[name]})
		changed = true
	}

	if changed {
		out.Version = established.Version + 1
	}
	return out, nil
}

// Merge unions two schemas for multi-file reads, widening where the
// lattice allows and falling back to string where it does not. Remote
// queries can span files written by unrelated tables, so a hard conflict
// here degrades to text rather than failing the whole scan.
func Merge(a, b types.Schema) types.Schema {
	out := a.Clone()
	for _, f := range b.Fields {
		i := out.FieldIndex(f.Name)
		if i < 0 {
			out.Fields = append(out.Fields, f)
			continue
		}
		if out.Fields[i].Type == f.Type {
			continue
		}
		if widened, ok := types.Widen(out.Fields[i].Type, f.Type); ok {
			out.Fields[i].Type = widened
		} else if widened, ok := types.Widen(f.Type, out.Fields[i].Type); ok {
			out.Fields[i].Type = widened
		} else {
			out.Fields[i].Type = types.TypeString
		}
	}
	return out
}

// Registry reads and updates the persisted schema through the catalog.
type Registry struct {
	catalog *catalog.Catalog
}

// NewRegistry creates a registry backed by the given catalog.
func NewRegistry(c *catalog.Catalog) *Registry {
	return &Registry{catalog: c}
}

// Load returns the table's current schema.
func (r *Registry) Load(db, table string) (types.Schema, error) {
	return r.catalog.LoadSchema(db, table)
}

// ReconcileAndSave merges the observation into the persisted schema and
// writes it back atomically when it changed. The persisted file is the
// single source of truth: a failed reconcile leaves it untouched.
func (r *Registry) ReconcileAndSave(db, table string, obs Observation) (types.Schema, error) {
	established, err := r.catalog.LoadSchema(db, table)
	if err != nil {
		return types.Schema{}, err
	}
	updated, err := Reconcile(established, obs)
	if err != nil {
		return types.Schema{}, err
	}
	if updated.Version != established.Version {
		if err := r.catalog.SaveSchema(db, table, updated); err != nil {
			return types.Schema{}, err
		}
	}
	return updated, nil
}
