package rulechain

import "testing"

func TestParseOperation(t *testing.T) {
	for _, s := range []string{"insert", "update", "query", "delete"} {
		op, err := ParseOperation(s)
		if err != nil {
			t.Errorf("ParseOperation(%q) error = %v", s, err)
		}
		if op.String() != s {
			t.Errorf("ParseOperation(%q) = %q", s, op)
		}
	}

	for _, s := range []string{"", "upsert", "INSERT", "select"} {
		if _, err := ParseOperation(s); err == nil {
			t.Errorf("ParseOperation(%q) = nil error, want error", s)
		}
	}
}

func TestOperationFlags(t *testing.T) {
	f := OperationFlags{OnInsert: true, OnDelete: true}

	if !f.Has(OpInsert) || !f.Has(OpDelete) {
		t.Error("expected insert and delete flags set")
	}
	if f.Has(OpUpdate) || f.Has(OpQuery) {
		t.Error("expected update and query flags unset")
	}
	if !f.Any() {
		t.Error("Any() = false")
	}
	if (OperationFlags{}).Any() {
		t.Error("zero flags Any() = true")
	}
}

func TestRecordClone(t *testing.T) {
	orig := Record{"id": 1, "name": "zed"}
	clone := orig.Clone()

	clone["name"] = "changed"
	clone["extra"] = true

	if orig["name"] != "zed" {
		t.Error("mutating the clone changed the original")
	}
	if _, ok := orig["extra"]; ok {
		t.Error("new key leaked into the original")
	}

	if Record(nil).Clone() != nil {
		t.Error("nil record should clone to nil")
	}
}
