package types

import (
	"testing"
)

func TestWiden_Lattice(t *testing.T) {
	tests := []struct {
		name        string
		established FieldType
		observed    FieldType
		want        FieldType
		allowed     bool
	}{
		{"int stays int", TypeInt, TypeInt, TypeInt, true},
		{"int widens to float", TypeInt, TypeFloat, TypeFloat, true},
		{"float absorbs int", TypeFloat, TypeInt, TypeFloat, true},
		{"string absorbs int", TypeString, TypeInt, TypeString, true},
		{"string absorbs float", TypeString, TypeFloat, TypeString, true},
		{"string rejected for int", TypeInt, TypeString, TypeInt, false},
		{"string rejected for float", TypeFloat, TypeString, TypeFloat, false},
		{"bool is terminal", TypeBool, TypeInt, TypeBool, false},
		{"timestamp is terminal", TypeTimestamp, TypeInt, TypeTimestamp, false},
		{"json is terminal", TypeJSON, TypeString, TypeJSON, false},
		{"bool matches bool", TypeBool, TypeBool, TypeBool, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, allowed := Widen(tt.established, tt.observed)
			if allowed != tt.allowed {
				t.Fatalf("Widen(%s, %s) allowed = %v, want %v", tt.established, tt.observed, allowed, tt.allowed)
			}
			if allowed && got != tt.want {
				t.Errorf("Widen(%s, %s) = %s, want %s", tt.established, tt.observed, got, tt.want)
			}
		})
	}
}

func TestCoerceValue(t *testing.T) {
	if got := CoerceValue(int64(3), TypeInt, TypeFloat); got != float64(3) {
		t.Errorf("int to float: got %v (%T)", got, got)
	}
	if got := CoerceValue(int64(3), TypeInt, TypeString); got != "3" {
		t.Errorf("int to string: got %v", got)
	}
	if got := CoerceValue(float64(2.5), TypeFloat, TypeString); got != "2.5" {
		t.Errorf("float to string: got %v", got)
	}
	if got := CoerceValue("x", TypeString, TypeString); got != "x" {
		t.Errorf("identity: got %v", got)
	}
}

func TestSchema_FieldOrderStable(t *testing.T) {
	sch := Schema{Fields: []Field{
		{Name: "b", Type: TypeInt},
		{Name: "a", Type: TypeString},
	}}

	if i := sch.FieldIndex("b"); i != 0 {
		t.Errorf("FieldIndex(b) = %d, want 0", i)
	}
	if _, ok := sch.FieldType("missing"); ok {
		t.Error("FieldType(missing) should not exist")
	}

	clone := sch.Clone()
	clone.Fields[0].Type = TypeFloat
	if sch.Fields[0].Type != TypeInt {
		t.Error("Clone must not share field storage")
	}
}
