package domain

// ChangeKind classifies an incoming record against the entity's current
// version.
type ChangeKind string

const (
	ChangeNew                ChangeKind = "NEW"
	ChangeTrackedChanged     ChangeKind = "TRACKED_CHANGED"
	ChangeOverwrittenChanged ChangeKind = "OVERWRITTEN_CHANGED"
	ChangeNone               ChangeKind = "NO_CHANGE"
	ChangeMissing            ChangeKind = "MISSING"
)

// Change is the detector's verdict for one business key, carrying the new
// attribute partitions and, for tracked changes, the superseded tracked
// values for audit.
type Change struct {
	Kind         ChangeKind
	BusinessKey  string
	Tracked      map[string]any
	Overwritten  map[string]any
	PriorTracked map[string]any
}

// DetectChange compares an incoming source record against the entity's
// current version, if any. Tracked differences take precedence: when both a
// tracked and an overwritten attribute changed, the verdict is a single
// TRACKED_CHANGED carrying the new overwritten values along, so overwritten
// changes ride the version bump instead of being lost or double-applied.
func DetectChange(classifier *Classifier, current *VersionRow, incoming SourceRecord) (Change, error) {
	tracked, overwritten, err := classifier.Split(incoming.Attributes)
	if err != nil {
		return Change{}, err
	}

	if current == nil {
		return Change{
			Kind:        ChangeNew,
			BusinessKey: incoming.BusinessKey,
			Tracked:     tracked,
			Overwritten: overwritten,
		}, nil
	}

	if !AttributesEqual(current.Tracked, tracked) {
		return Change{
			Kind:         ChangeTrackedChanged,
			BusinessKey:  incoming.BusinessKey,
			Tracked:      tracked,
			Overwritten:  overwritten,
			PriorTracked: cloneAttributes(current.Tracked),
		}, nil
	}

	if !AttributesEqual(current.Overwritten, overwritten) {
		return Change{
			Kind:        ChangeOverwrittenChanged,
			BusinessKey: incoming.BusinessKey,
			Overwritten: overwritten,
		}, nil
	}

	return Change{Kind: ChangeNone, BusinessKey: incoming.BusinessKey}, nil
}
