// Package model defines the data units flowing from the persist queue into
// the stores: the PollResult and the parsing helpers that split it into
// reference entities or counter samples.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/archivist/internal/errors"
)

// Kind identifies a known metric-set shape. Dispatch in the persister is
// an explicit switch over kinds; unknown names are rejected as malformed
// rather than routed by reflection.
type Kind int

const (
	// KindUnknown is an unrecognized metric set.
	KindUnknown Kind = iota
	// KindInterfaceRef is a full-snapshot poll of interface metadata.
	KindInterfaceRef
	// KindEndpointRef is a full-snapshot poll of service-endpoint metadata.
	KindEndpointRef
	// KindCounterSet is a poll of monotonically increasing counters.
	KindCounterSet
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInterfaceRef:
		return "interface-reference"
	case KindEndpointRef:
		return "endpoint-reference"
	case KindCounterSet:
		return "counter-set"
	default:
		return "unknown"
	}
}

// ParseKind maps a metric-set name to its kind.
func ParseKind(s string) Kind {
	switch s {
	case "interface-reference":
		return KindInterfaceRef
	case "endpoint-reference":
		return KindEndpointRef
	case "counter-set":
		return KindCounterSet
	default:
		return KindUnknown
	}
}

// Flag bits carried in PollResult.Flags.
const (
	// FlagValid marks the poll data as usable. A result with zero flags
	// (no metadata supplied by the producer) is treated as valid.
	FlagValid uint32 = 1 << 0
)

// Entry is one (sub-key, value) pair from a poll.
//
// For counter sets the key is "metric/sub-path" (e.g.
// "ifHCInOctets/GigabitEthernet0_1"). For reference sets the key is
// "attribute.entity-suffix" (e.g. "ifAlias.1").
type Entry struct {
	Key   string `msgpack:"key" json:"key"`
	Value any    `msgpack:"value" json:"value"`
}

// PollResult is one polled sample set for a device. It is immutable once
// dequeued.
type PollResult struct {
	Device     string  `msgpack:"device" json:"device"`
	MetricSet  string  `msgpack:"metric_set" json:"metric_set"`
	MetricName string  `msgpack:"metric_name" json:"metric_name"`
	Timestamp  int64   `msgpack:"timestamp" json:"timestamp"`
	Data       []Entry `msgpack:"data" json:"data"`
	Flags      uint32  `msgpack:"flags" json:"flags"`
}

// Kind returns the parsed metric-set kind.
func (p *PollResult) Kind() Kind {
	return ParseKind(p.MetricSet)
}

// Valid reports whether the poll data is usable. Absent flags mean valid.
func (p *PollResult) Valid() bool {
	return p.Flags == 0 || p.Flags&FlagValid != 0
}

// Validate checks the result for required fields.
func (p *PollResult) Validate() error {
	if p.Device == "" {
		return errors.NewMissingField("device")
	}
	if p.MetricSet == "" {
		return errors.NewMissingField("metric_set")
	}
	if p.Timestamp <= 0 {
		return errors.NewMalformed("timestamp", fmt.Sprintf("must be positive, got %d", p.Timestamp))
	}
	if p.Kind() == KindUnknown {
		return errors.Wrapf(errors.ErrUnknownMetricSet, "metric set %q", p.MetricSet)
	}
	if p.Kind() == KindCounterSet && p.MetricName == "" {
		return errors.NewMissingField("metric_name")
	}
	return nil
}

// Attrs is one entity's attribute snapshot from a reference poll.
type Attrs map[string]string

// Equal reports whether two snapshots carry identical attributes.
func (a Attrs) Equal(b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// ReferenceEntities pivots a reference poll's entries into per-entity
// attribute snapshots. Entry keys have the form "attribute.suffix"; the
// suffix identifies the entity, with dots normalized to dashes so a
// multi-part endpoint id like "1.1342177281.100" becomes the stable key
// "1-1342177281-100". An empty poll yields an empty map.
func (p *PollResult) ReferenceEntities() (map[string]Attrs, error) {
	entities := make(map[string]Attrs)
	for _, e := range p.Data {
		attr, suffix, ok := strings.Cut(e.Key, ".")
		if !ok || attr == "" || suffix == "" {
			return nil, errors.NewMalformed("data", fmt.Sprintf("reference key %q is not attribute.entity", e.Key))
		}
		key := strings.ReplaceAll(suffix, ".", "-")
		if entities[key] == nil {
			entities[key] = make(Attrs)
		}
		entities[key][attr] = FormatValue(e.Value)
	}
	return entities, nil
}

// CounterEntry is one parsed counter observation.
type CounterEntry struct {
	SubPath string
	Value   uint64
}

// CounterEntries parses a counter poll's entries. Entry keys have the form
// "metric/sub-path"; a key without a slash is its own sub-path.
func (p *PollResult) CounterEntries() ([]CounterEntry, error) {
	out := make([]CounterEntry, 0, len(p.Data))
	for _, e := range p.Data {
		sub := e.Key
		if _, rest, ok := strings.Cut(e.Key, "/"); ok {
			sub = rest
		}
		if sub == "" {
			return nil, errors.NewMalformed("data", fmt.Sprintf("counter key %q has empty sub-path", e.Key))
		}
		v, err := CoerceUint64(e.Value)
		if err != nil {
			return nil, errors.NewMalformed("data", fmt.Sprintf("counter %q: %v", e.Key, err))
		}
		out = append(out, CounterEntry{SubPath: sub, Value: v})
	}
	return out, nil
}

// FormatValue renders a polled value as its canonical string form, used
// for attribute comparison and storage.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CoerceUint64 converts a decoded queue value to a counter value.
// Producers hand counters over as whatever integer width the codec chose,
// so every integer shape plus integral floats are accepted.
func CoerceUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case uint:
		return uint64(t), nil
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative counter value %d", t)
		}
		return uint64(t), nil
	case int8:
		if t < 0 {
			return 0, fmt.Errorf("negative counter value %d", t)
		}
		return uint64(t), nil
	case int16:
		if t < 0 {
			return 0, fmt.Errorf("negative counter value %d", t)
		}
		return uint64(t), nil
	case int32:
		if t < 0 {
			return 0, fmt.Errorf("negative counter value %d", t)
		}
		return uint64(t), nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("negative counter value %d", t)
		}
		return uint64(t), nil
	case float64:
		if t < 0 || t != float64(uint64(t)) {
			return 0, fmt.Errorf("value %g is not a counter", t)
		}
		return uint64(t), nil
	case string:
		u, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a counter", t)
		}
		return u, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}
