package domain

// SourceRecord is the latest known attribute values for one entity as
// reported by the upstream system. It carries no validity window of its own;
// the batch's observation time supplies that.
type SourceRecord struct {
	BusinessKey string         `json:"business_key"`
	Attributes  map[string]any `json:"attributes"`
}

// NewSourceRecord builds a record with its own copy of the attributes.
func NewSourceRecord(businessKey string, attrs map[string]any) SourceRecord {
	return SourceRecord{
		BusinessKey: businessKey,
		Attributes:  cloneAttributes(attrs),
	}
}
