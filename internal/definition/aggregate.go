package definition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/storage"
)

// Field names with a leading '@' read item metadata instead of data.
const (
	FieldKey        = "@key"
	FieldParent     = "@parent"
	FieldCollection = "@collection"
)

// RefPrefix selects a field of the referenced item in group_by and sum.
const RefPrefix = "ref."

// CountField is the output field holding the number of mapped items.
const CountField = "count"

// AggregateConfig is the declarative form of a grouping index, as written
// in the indexes section of the configuration file.
type AggregateConfig struct {
	Name        string           `yaml:"name" json:"name"`
	Kind        string           `yaml:"kind,omitempty" json:"kind,omitempty"`
	Collections []string         `yaml:"collections" json:"collections"`
	GroupBy     []string         `yaml:"group_by" json:"group_by"`
	Count       bool             `yaml:"count" json:"count"`
	Sum         []string         `yaml:"sum,omitempty" json:"sum,omitempty"`
	Reference   *ReferenceConfig `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// ReferenceConfig makes an aggregate load one referenced item per source
// item, whose key is read from KeyField.
type ReferenceConfig struct {
	Kind       string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Collection string `yaml:"collection" json:"collection"`
	KeyField   string `yaml:"key_field" json:"key_field"`

	// Fields limits which referenced fields are visible. Empty means all.
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Aggregate groups items by one or more fields and counts and sums them.
type Aggregate struct {
	cfg     AggregateConfig
	source  Source
	refs    []Reference
	refKind storage.Kind
}

// Verify interface implementation at compile time
var _ Definition = (*Aggregate)(nil)

// NewAggregate validates cfg and builds the definition.
func NewAggregate(cfg AggregateConfig) (*Aggregate, error) {
	if err := ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	kind, err := storage.ParseKind(cfg.Kind)
	if err != nil {
		return nil, amerrors.DefinitionError(fmt.Sprintf("index %s: %v", cfg.Name, err), err)
	}
	if len(cfg.GroupBy) == 0 {
		return nil, amerrors.DefinitionError(fmt.Sprintf("index %s: group_by is required", cfg.Name), nil)
	}
	if !cfg.Count && len(cfg.Sum) == 0 {
		return nil, amerrors.DefinitionError(
			fmt.Sprintf("index %s: enable count or list at least one sum field", cfg.Name), nil)
	}

	outputs := make(map[string]bool)
	if cfg.Count {
		outputs[CountField] = true
	}
	for _, f := range append(append([]string{}, cfg.GroupBy...), cfg.Sum...) {
		if f == "" {
			return nil, amerrors.DefinitionError(fmt.Sprintf("index %s: empty field name", cfg.Name), nil)
		}
		if strings.HasPrefix(f, RefPrefix) && cfg.Reference == nil {
			return nil, amerrors.DefinitionError(
				fmt.Sprintf("index %s: field %s needs a reference section", cfg.Name, f), nil)
		}
		if outputs[f] {
			return nil, amerrors.DefinitionError(
				fmt.Sprintf("index %s: field %s is used twice", cfg.Name, f), nil)
		}
		outputs[f] = true
	}

	a := &Aggregate{
		cfg:    cfg,
		source: Source{Kind: kind, Collections: cfg.Collections},
	}
	if ref := cfg.Reference; ref != nil {
		rk, err := storage.ParseKind(ref.Kind)
		if err != nil {
			return nil, amerrors.DefinitionError(fmt.Sprintf("index %s: %v", cfg.Name, err), err)
		}
		if ref.KeyField == "" {
			return nil, amerrors.DefinitionError(fmt.Sprintf("index %s: reference.key_field is required", cfg.Name), nil)
		}
		a.refKind = rk
		a.refs = []Reference{{Kind: rk, Collection: ref.Collection}}
	}
	if err := Validate(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aggregate) Name() string { return a.cfg.Name }

func (a *Aggregate) Source() Source { return a.source }

func (a *Aggregate) References() []Reference { return a.refs }

// Config returns the configuration the aggregate was built from.
func (a *Aggregate) Config() AggregateConfig { return a.cfg }

// Map emits one entry keyed by the group values.
func (a *Aggregate) Map(ctx *MapContext, item storage.Item) ([]Entry, error) {
	var ref map[string]any
	if rc := a.cfg.Reference; rc != nil {
		refKey, ok := lookup(item, rc.KeyField, nil)
		if s, isString := refKey.(string); ok && isString && s != "" {
			loadedItem, found, err := ctx.Load(a.refKind, s)
			if err != nil {
				return nil, err
			}
			// Only items of the declared collection contribute
			if found && loadedItem.Collection == rc.Collection {
				ref = project(loadedItem.Data, rc.Fields)
			}
		}
	}

	out := make(Value, len(a.cfg.GroupBy)+len(a.cfg.Sum)+1)
	parts := make([]string, len(a.cfg.GroupBy))
	for i, f := range a.cfg.GroupBy {
		v, _ := lookup(item, f, ref)
		out[f] = v
		parts[i] = groupPart(v)
	}
	if a.cfg.Count {
		out[CountField] = float64(1)
	}
	for _, f := range a.cfg.Sum {
		v, ok := lookup(item, f, ref)
		if !ok || v == nil {
			out[f] = float64(0)
			continue
		}
		n, err := toFloat(v)
		if err != nil {
			return nil, amerrors.New(amerrors.ErrCodeMapFailed,
				fmt.Sprintf("field %s of %s is not numeric", f, item.Key), err)
		}
		out[f] = n
	}
	return []Entry{{Key: strings.Join(parts, "|"), Value: out}}, nil
}

// Reduce sums count and sum fields. Group fields are taken from the first
// value; they are equal across a reduce key by construction.
func (a *Aggregate) Reduce(values []Value) (Value, error) {
	out := make(Value, len(a.cfg.GroupBy)+len(a.cfg.Sum)+1)
	if len(values) == 0 {
		return out, nil
	}
	for _, f := range a.cfg.GroupBy {
		out[f] = values[0][f]
	}
	fields := a.cfg.Sum
	if a.cfg.Count {
		fields = append([]string{CountField}, fields...)
	}
	for _, f := range fields {
		var total float64
		for _, v := range values {
			n, err := toFloat(v[f])
			if err != nil {
				return nil, amerrors.New(amerrors.ErrCodeReduceFailed,
					fmt.Sprintf("field %s is not numeric", f), err)
			}
			total += n
		}
		out[f] = total
	}
	return out, nil
}

func lookup(item storage.Item, field string, ref map[string]any) (any, bool) {
	switch field {
	case FieldKey:
		return item.Key, true
	case FieldParent:
		return item.Parent, item.Parent != ""
	case FieldCollection:
		return item.Collection, true
	}
	if name, ok := strings.CutPrefix(field, RefPrefix); ok {
		if ref == nil {
			return nil, false
		}
		v, ok := ref[name]
		return v, ok
	}
	v, ok := item.Data[field]
	return v, ok
}

func project(data map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return data
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := data[f]; ok {
			out[f] = v
		}
	}
	return out
}

func groupPart(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case []any:
		// time-series values: sum of the samples
		var total float64
		for _, e := range x {
			n, err := toFloat(e)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
