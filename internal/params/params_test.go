package params

import "testing"

func TestForceSetOverwrites(t *testing.T) {
	m := Map{"SYSTEM": map[string]any{"degauss": 0.02, "ecutwfc": 45.0}}
	m.ForceSet(P("SYSTEM.degauss"), 0.01)
	v, ok := m.Get(P("SYSTEM.degauss"))
	if !ok || v != 0.01 {
		t.Fatalf("expected degauss 0.01, got %v (%v)", v, ok)
	}
	if v, _ := m.Get(P("SYSTEM.ecutwfc")); v != 45.0 {
		t.Fatalf("sibling key lost: %v", v)
	}
}

func TestForceSetCreatesSections(t *testing.T) {
	m := Map{}
	m.ForceSet(P("SYSTEM.smearing"), "cold")
	if v, _ := m.Get(P("SYSTEM.smearing")); v != "cold" {
		t.Fatalf("expected smearing cold, got %v", v)
	}
}

func TestForceSetReplacesScalarInTheWay(t *testing.T) {
	m := Map{"SYSTEM": "oops"}
	m.ForceSet(P("SYSTEM.nbnd"), 12)
	if n, ok := m.Int(P("SYSTEM.nbnd")); !ok || n != 12 {
		t.Fatalf("expected nbnd 12, got %d (%v)", n, ok)
	}
}

func TestSetIfAbsent(t *testing.T) {
	m := Map{"SYSTEM": Map{"nbnd": 20}}
	if m.SetIfAbsent(P("SYSTEM.nbnd"), 30) {
		t.Fatalf("SetIfAbsent wrote over an existing value")
	}
	if n, _ := m.Int(P("SYSTEM.nbnd")); n != 20 {
		t.Fatalf("expected nbnd 20, got %d", n)
	}
	if !m.SetIfAbsent(P("ELECTRONS.conv_thr"), 1e-8) {
		t.Fatalf("SetIfAbsent did not write a missing value")
	}
}

func TestForceSetIdempotent(t *testing.T) {
	a := Map{"SYSTEM": Map{"degauss": 0.05}}
	a.ForceSet(P("SYSTEM.degauss"), 0.01)
	a.ForceSet(P("SYSTEM.degauss"), 0.01)
	if v, _ := a.Get(P("SYSTEM.degauss")); v != 0.01 {
		t.Fatalf("expected 0.01 after reapplying, got %v", v)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := Map{"SYSTEM": map[string]any{"degauss": 0.02}, "list": []any{Map{"a": 1}}}
	c := orig.Clone()
	c.ForceSet(P("SYSTEM.degauss"), 0.5)
	c["list"].([]any)[0].(Map)["a"] = 2
	if v, _ := orig.Get(P("SYSTEM.degauss")); v != 0.02 {
		t.Fatalf("clone shares sections with original")
	}
	if orig["list"].([]any)[0].(Map)["a"] != 1 {
		t.Fatalf("clone shares list elements with original")
	}
}

func TestIntConversions(t *testing.T) {
	m := Map{"a": 3, "b": float64(4), "c": 4.5, "d": "x"}
	if n, ok := m.Int(P("a")); !ok || n != 3 {
		t.Fatalf("int: %d %v", n, ok)
	}
	if n, ok := m.Int(P("b")); !ok || n != 4 {
		t.Fatalf("float: %d %v", n, ok)
	}
	if _, ok := m.Int(P("c")); ok {
		t.Fatalf("fractional float accepted as int")
	}
	if _, ok := m.Int(P("d")); ok {
		t.Fatalf("string accepted as int")
	}
}

func TestFloatConversions(t *testing.T) {
	m := Map{"SYSTEM": map[string]any{"ecutwfc": 30, "degauss": 0.01, "smearing": "cold"}}
	if f, ok := m.Float(P("SYSTEM.ecutwfc")); !ok || f != 30 {
		t.Fatalf("int: %v %v", f, ok)
	}
	if f, ok := m.Float(P("SYSTEM.degauss")); !ok || f != 0.01 {
		t.Fatalf("float: %v %v", f, ok)
	}
	if _, ok := m.Float(P("SYSTEM.smearing")); ok {
		t.Fatalf("string accepted as float")
	}
}
