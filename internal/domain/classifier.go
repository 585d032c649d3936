package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Classifier is the immutable attribute classification for one dimension:
// every attribute name maps to exactly one AttributeSpec. It is built once
// from configuration, validated fail-fast, and consulted by the change
// detector, the planners and record validation.
type Classifier struct {
	businessKey string
	specs       []AttributeSpec
	byName      map[string]AttributeSpec
}

// NewClassifier validates the attribute specs and returns the classifier.
// Any malformed spec is a configuration error: no batch may run against a
// classification that cannot be trusted.
func NewClassifier(businessKey string, specs []AttributeSpec) (*Classifier, error) {
	businessKey = strings.TrimSpace(businessKey)
	if businessKey == "" {
		return nil, NewConfigurationError("business key column name is required")
	}
	if len(specs) == 0 {
		return nil, NewConfigurationError("at least one attribute must be classified")
	}

	byName := make(map[string]AttributeSpec, len(specs))
	ordered := make([]AttributeSpec, 0, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, NewConfigurationError("attribute with empty name")
		}
		if name == businessKey {
			return nil, NewConfigurationError("attribute %q collides with the business key column", name)
		}
		if _, exists := byName[name]; exists {
			return nil, NewConfigurationError("attribute %q classified twice", name)
		}
		if !validAttributeClass(spec.Class) {
			return nil, NewConfigurationError("attribute %q has unknown class %q", name, spec.Class)
		}
		if !validAttributeType(spec.Type) {
			return nil, NewConfigurationError("attribute %q has unknown type %q", name, spec.Type)
		}
		normalized := AttributeSpec{Name: name, Type: spec.Type, Class: spec.Class}
		byName[name] = normalized
		ordered = append(ordered, normalized)
	}

	return &Classifier{businessKey: businessKey, specs: ordered, byName: byName}, nil
}

// BusinessKey returns the declared business key column name.
func (c *Classifier) BusinessKey() string {
	return c.businessKey
}

// Specs returns the attribute specs in declaration order.
func (c *Classifier) Specs() []AttributeSpec {
	out := make([]AttributeSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Spec looks up one attribute's spec by name.
func (c *Classifier) Spec(name string) (AttributeSpec, bool) {
	spec, ok := c.byName[name]
	return spec, ok
}

// Class looks up one attribute's class by name.
func (c *Classifier) Class(name string) (AttributeClass, bool) {
	spec, ok := c.byName[name]
	if !ok {
		return "", false
	}
	return spec.Class, true
}

// Split partitions attribute values into the tracked and overwritten subsets.
// An attribute absent from the classification rejects the whole record.
func (c *Classifier) Split(attrs map[string]any) (tracked, overwritten map[string]any, err error) {
	tracked = make(map[string]any)
	overwritten = make(map[string]any)
	for name, value := range attrs {
		spec, ok := c.byName[name]
		if !ok {
			return nil, nil, NewConfigurationError("attribute %q is not classified", name)
		}
		switch spec.Class {
		case ClassTracked:
			tracked[name] = value
		case ClassOverwritten:
			overwritten[name] = value
		}
	}
	return tracked, overwritten, nil
}

// ValidateRecord checks a source record against the classification: the
// business key must be non-empty, every attribute must be classified, and
// every value must match its declared type (nil is allowed; upstream systems
// report missing values as null).
func (c *Classifier) ValidateRecord(rec SourceRecord) error {
	if strings.TrimSpace(rec.BusinessKey) == "" {
		return NewConfigurationError("record with empty business key")
	}
	names := make([]string, 0, len(rec.Attributes))
	for name := range rec.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := c.byName[name]
		if !ok {
			return NewConfigurationError("record %q carries unclassified attribute %q", rec.BusinessKey, name)
		}
		if err := checkValueType(spec, rec.Attributes[name]); err != nil {
			return NewConfigurationError("record %q attribute %q: %v", rec.BusinessKey, name, err)
		}
	}
	return nil
}

// ValidateEvent applies the same attribute validation to a change event.
// Delete events carry no attribute payload.
func (c *Classifier) ValidateEvent(ev ChangeEvent) error {
	if strings.TrimSpace(ev.BusinessKey) == "" {
		return NewConfigurationError("event with empty business key")
	}
	if ev.At.IsZero() {
		return NewConfigurationError("event for %q has no timestamp", ev.BusinessKey)
	}
	if ev.Action == EventDelete {
		return nil
	}
	return c.ValidateRecord(SourceRecord{BusinessKey: ev.BusinessKey, Attributes: ev.Attributes})
}

func checkValueType(spec AttributeSpec, value any) error {
	if value == nil {
		return nil
	}
	switch spec.Type {
	case AttributeTypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case AttributeTypeInteger:
		switch v := value.(type) {
		case int, int32, int64:
			return nil
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("expected integer, got fractional %v", v)
			}
		default:
			if n, ok := numberValue(value); ok {
				if n != float64(int64(n)) {
					return fmt.Errorf("expected integer, got fractional %v", n)
				}
				return nil
			}
			return fmt.Errorf("expected integer, got %T", value)
		}
	case AttributeTypeFloat:
		if _, ok := numberValue(value); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case AttributeTypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case AttributeTypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return nil
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("expected RFC3339 timestamp, got %q", v)
			}
		default:
			return fmt.Errorf("expected timestamp, got %T", value)
		}
	}
	return nil
}
