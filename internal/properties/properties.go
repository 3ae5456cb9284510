package properties

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"sync"
)

// Error kinds reported by validated writes. Callers distinguish them with
// errors.Is; the message always carries the offending key and value.
var (
	// ErrSchemaViolation is returned when a write names a key outside the
	// sealed field set.
	ErrSchemaViolation = errors.New("unknown property key")

	// ErrTypeViolation is returned when a write would change the declared
	// type of an existing field.
	ErrTypeViolation = errors.New("incompatible property type")
)

// Record is the shared configuration/state document. The schema is the
// struct's own field set: direct assignment through a typed accessor can never
// introduce an unknown field, and the dynamic path (Set/SetMany/FromFile)
// validates every key and type before touching the field.
//
// The backend holds the canonical sealed Record; the GUI shell holds an
// unsealed replica (see NewOpen) that tolerates keys it does not declare.
type Record struct {
	mu sync.RWMutex

	URL             string              `json:"url"`
	Port            int                 `json:"port"`
	Debug           bool                `json:"debug"`
	LogFile         string              `json:"log_file"`
	ToolkitName     string              `json:"toolkit_name"`
	AedtVersion     string              `json:"aedt_version"`
	NonGraphical    bool                `json:"non_graphical"`
	UseGrpc         bool                `json:"use_grpc"`
	GrpcTimeout     float64             `json:"grpc_timeout"`
	SelectedProcess int                 `json:"selected_process"`
	ProjectList     []string            `json:"project_list"`
	DesignList      map[string][]string `json:"design_list"`
	ActiveProject   string              `json:"active_project"`
	ActiveDesign    string              `json:"active_design"`
	IsToolkitBusy   bool                `json:"is_toolkit_busy"`

	sealed bool
	extras map[string]any
}

// New creates a Record seeded from defaults and seals it: from this point on
// only the declared fields exist and their types are fixed. A non-nil error
// names the first default that did not fit the schema.
func New(defaults map[string]any) (*Record, error) {
	r := &Record{
		ProjectList: []string{},
		DesignList:  map[string][]string{},
		sealed:      true,
	}
	if err := r.SetMany(defaults); err != nil {
		return nil, err
	}
	return r, nil
}

// NewOpen creates an unsealed Record. Unknown keys are kept in a side map
// instead of being rejected. This is the one deliberate escape hatch in the
// design, reserved for subordinate replicas such as the GUI mirror; the
// canonical backend record must always come from New.
func NewOpen() *Record {
	return &Record{
		ProjectList: []string{},
		DesignList:  map[string][]string{},
		extras:      map[string]any{},
	}
}

// Sealed reports whether the record rejects unknown keys.
func (r *Record) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Set writes a single field through the validated dynamic path. The write is
// all-or-nothing: on any violation the field keeps its previous value.
func (r *Record) Set(key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(key, value)
}

func (r *Record) setLocked(key string, value any) error {
	field, ok := r.fieldByKey(key)
	if !ok {
		if r.sealed {
			return fmt.Errorf("%w: %q", ErrSchemaViolation, key)
		}
		r.extras[key] = value
		return nil
	}
	converted, err := coerce(value, field.Type())
	if err != nil {
		return fmt.Errorf("%w: key %q, value %v (%T)", ErrTypeViolation, key, value, value)
	}
	field.Set(converted)
	return nil
}

// SetMany applies a mapping one key at a time. Keys that validate are applied
// even when others fail; the returned error reports the first offending
// key/value pair, which callers surface verbatim over HTTP.
func (r *Record) SetMany(values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for key, value := range values {
		if err := r.setLocked(key, value); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Export returns every declared field (plus extras on an unsealed record) as
// a plain mapping keyed by the document names. The result is a deep-enough
// copy that callers may mutate it freely.
func (r *Record) Export() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any)
	v := reflect.ValueOf(r).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		out[tag] = copyValue(v.Field(i).Interface())
	}
	for k, val := range r.extras {
		out[k] = val
	}
	return out
}

// Busy reports the is_toolkit_busy flag, the single gate consulted before a
// new background operation may start.
func (r *Record) Busy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.IsToolkitBusy
}

// SetBusy flips the is_toolkit_busy flag.
func (r *Record) SetBusy(busy bool) {
	r.mu.Lock()
	r.IsToolkitBusy = busy
	r.mu.Unlock()
}

// Snapshot returns a consistent copy of the derived session fields in one
// read, for callers that must not observe a torn update.
func (r *Record) Snapshot() (activeProject, activeDesign string, projects []string, designs map[string][]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ActiveProject, r.ActiveDesign,
		copyValue(r.ProjectList).([]string),
		copyValue(r.DesignList).(map[string][]string)
}

// Update runs fn with the record locked for writing. It exists for the
// session facade's compound mutations (e.g. moving a design-list entry during
// rename-on-save) that must be atomic with respect to Export.
func (r *Record) Update(fn func(*Record)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

// ToFile writes the full exported mapping to path as indented JSON.
func (r *Record) ToFile(path string) error {
	data, err := json.MarshalIndent(r.Export(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FromFile loads a JSON document and applies it through the same per-key
// validation as Set.
func (r *Record) FromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	return r.SetMany(values)
}

// fieldByKey resolves a document key to the addressable struct field.
// Caller must hold the lock.
func (r *Record) fieldByKey(key string) (reflect.Value, bool) {
	v := reflect.ValueOf(r).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("json") == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// coerce converts value to the target field type. JSON decoding hands every
// number over as float64, so integral floats narrow into int fields and ints
// widen into float fields; no other implicit conversion is allowed.
func coerce(value any, target reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(target), nil
	}
	v := reflect.ValueOf(value)
	if v.Type() == target {
		return v, nil
	}

	switch target.Kind() {
	case reflect.Int:
		switch n := value.(type) {
		case float64:
			if n != math.Trunc(n) {
				break
			}
			return reflect.ValueOf(int(n)), nil
		case int64:
			return reflect.ValueOf(int(n)), nil
		}
	case reflect.Float64:
		switch n := value.(type) {
		case int:
			return reflect.ValueOf(float64(n)), nil
		case int64:
			return reflect.ValueOf(float64(n)), nil
		}
	case reflect.Slice:
		if target.Elem().Kind() == reflect.String {
			if raw, ok := value.([]any); ok {
				out := make([]string, len(raw))
				for i, item := range raw {
					s, ok := item.(string)
					if !ok {
						return reflect.Value{}, fmt.Errorf("element %d is not a string", i)
					}
					out[i] = s
				}
				return reflect.ValueOf(out), nil
			}
		}
	case reflect.Map:
		if target.Key().Kind() == reflect.String && target.Elem() == reflect.TypeOf([]string{}) {
			if raw, ok := value.(map[string]any); ok {
				out := make(map[string][]string, len(raw))
				for k, item := range raw {
					list, err := coerce(item, reflect.TypeOf([]string{}))
					if err != nil {
						return reflect.Value{}, err
					}
					out[k] = list.Interface().([]string)
				}
				return reflect.ValueOf(out), nil
			}
			if raw, ok := value.(map[string][]string); ok {
				return reflect.ValueOf(raw), nil
			}
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %T to %s", value, target)
}

// copyValue returns a detached copy of slice and map values so exported
// snapshots never alias the record's internals.
func copyValue(v any) any {
	switch val := v.(type) {
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string][]string:
		out := make(map[string][]string, len(val))
		for k, list := range val {
			item := make([]string, len(list))
			copy(item, list)
			out[k] = item
		}
		return out
	default:
		return v
	}
}
