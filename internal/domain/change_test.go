package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func detectTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	classifier, err := NewClassifier("customer_id", []AttributeSpec{
		{Name: "card_type", Type: AttributeTypeString, Class: ClassTracked},
		{Name: "credit_limit", Type: AttributeTypeInteger, Class: ClassTracked},
		{Name: "email", Type: AttributeTypeString, Class: ClassOverwritten},
	})
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	return classifier
}

func TestDetectChangeNew(t *testing.T) {
	classifier := detectTestClassifier(t)

	change, err := DetectChange(classifier, nil, SourceRecord{
		BusinessKey: "C-1",
		Attributes:  map[string]any{"card_type": "gold", "email": "a@example.com"},
	})
	if err != nil {
		t.Fatalf("detect returned error: %v", err)
	}
	if change.Kind != ChangeNew || change.BusinessKey != "C-1" {
		t.Fatalf("unexpected change: %+v", change)
	}
	if change.Tracked["card_type"] != "gold" || change.Overwritten["email"] != "a@example.com" {
		t.Fatalf("partitions not carried: %+v", change)
	}
}

func TestDetectChangeTrackedTakesPrecedence(t *testing.T) {
	classifier := detectTestClassifier(t)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	current := NewVersionRow("C-1",
		map[string]any{"card_type": "silver", "credit_limit": int64(800)},
		map[string]any{"email": "old@example.com"},
		now, now)

	change, err := DetectChange(classifier, &current, SourceRecord{
		BusinessKey: "C-1",
		Attributes: map[string]any{
			"card_type":    "gold",
			"credit_limit": int64(800),
			"email":        "new@example.com",
		},
	})
	if err != nil {
		t.Fatalf("detect returned error: %v", err)
	}
	if change.Kind != ChangeTrackedChanged {
		t.Fatalf("expected TRACKED_CHANGED, got %s", change.Kind)
	}
	// The overwritten change rides the version bump instead of becoming a
	// second verdict.
	if change.Overwritten["email"] != "new@example.com" {
		t.Fatalf("overwritten values not carried: %+v", change.Overwritten)
	}
	if change.PriorTracked["card_type"] != "silver" {
		t.Fatalf("prior tracked values not carried: %+v", change.PriorTracked)
	}
}

func TestDetectChangeOverwrittenOnly(t *testing.T) {
	classifier := detectTestClassifier(t)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	current := NewVersionRow("C-1",
		map[string]any{"card_type": "gold", "credit_limit": int64(800)},
		map[string]any{"email": "old@example.com"},
		now, now)

	change, err := DetectChange(classifier, &current, SourceRecord{
		BusinessKey: "C-1",
		Attributes: map[string]any{
			"card_type":    "gold",
			"credit_limit": int64(800),
			"email":        "new@example.com",
		},
	})
	if err != nil {
		t.Fatalf("detect returned error: %v", err)
	}
	if change.Kind != ChangeOverwrittenChanged {
		t.Fatalf("expected OVERWRITTEN_CHANGED, got %s", change.Kind)
	}
	if change.PriorTracked != nil {
		t.Fatalf("overwritten-only change should not carry prior tracked values: %+v", change)
	}
}

func TestDetectChangeNoChangeAcrossRoundTrip(t *testing.T) {
	classifier := detectTestClassifier(t)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Stored attributes come back from the store as json.Number; the incoming
	// record carries native ints. The canonical comparison must see them as
	// equal.
	current := NewVersionRow("C-1",
		map[string]any{"card_type": "gold", "credit_limit": json.Number("800")},
		map[string]any{"email": "a@example.com"},
		now, now)

	change, err := DetectChange(classifier, &current, SourceRecord{
		BusinessKey: "C-1",
		Attributes: map[string]any{
			"card_type":    "gold",
			"credit_limit": int64(800),
			"email":        "a@example.com",
		},
	})
	if err != nil {
		t.Fatalf("detect returned error: %v", err)
	}
	if change.Kind != ChangeNone {
		t.Fatalf("expected NO_CHANGE, got %s", change.Kind)
	}
}

func TestDetectChangeRejectsUnclassifiedAttribute(t *testing.T) {
	classifier := detectTestClassifier(t)

	_, err := DetectChange(classifier, nil, SourceRecord{
		BusinessKey: "C-1",
		Attributes:  map[string]any{"nickname": "goldie"},
	})
	if err == nil || !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
