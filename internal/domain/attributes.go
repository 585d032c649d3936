package domain

// AttributeClass decides how a changed attribute value affects an entity's
// version chain: tracked attributes open a new version, overwritten
// attributes are updated in place on the current version only.
type AttributeClass string

const (
	ClassTracked     AttributeClass = "tracked"
	ClassOverwritten AttributeClass = "overwritten"
)

// AttributeType is the declared value type of an attribute. File ingestion
// coerces raw cells to these types; record validation checks against them.
type AttributeType string

const (
	AttributeTypeString    AttributeType = "string"
	AttributeTypeInteger   AttributeType = "integer"
	AttributeTypeFloat     AttributeType = "float"
	AttributeTypeBoolean   AttributeType = "boolean"
	AttributeTypeTimestamp AttributeType = "timestamp"
)

// AttributeSpec declares one attribute of the dimension: its name, value
// type, and history class. The full set of specs is the dimension's schema;
// records carrying attributes outside it are rejected before any batch runs.
type AttributeSpec struct {
	Name  string         `json:"name"`
	Type  AttributeType  `json:"type"`
	Class AttributeClass `json:"class"`
}

func validAttributeClass(class AttributeClass) bool {
	switch class {
	case ClassTracked, ClassOverwritten:
		return true
	default:
		return false
	}
}

func validAttributeType(t AttributeType) bool {
	switch t {
	case AttributeTypeString, AttributeTypeInteger, AttributeTypeFloat, AttributeTypeBoolean, AttributeTypeTimestamp:
		return true
	default:
		return false
	}
}
