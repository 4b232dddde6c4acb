package tl

import "testing"

func TestDefaultReadsAPIConstructors(t *testing.T) {
	readers, writers := Default()

	tests := []struct {
		name string
		id   uint32
	}{
		{"boolTrue", 0x997275b5},
		{"inputPeerUser", 0xdde8a54c},
		{"nearestDc", 0x8e1a1775},
		{"updates.state", 0xa56c2a3e},
		{"rpc_result", 0xf35c6d01},
	}
	for _, tt := range tests {
		if _, ok := readers[tt.id]; !ok {
			t.Errorf("Default() has no reader for %s (%08x)", tt.name, tt.id)
		}
		if _, ok := writers[tt.name]; !ok {
			t.Errorf("Default() has no writer for %s", tt.name)
		}
	}

	// Methods get writers but no readers.
	if _, ok := writers["help.getNearestDc"]; !ok {
		t.Error("Default() has no writer for help.getNearestDc")
	}
	if _, ok := readers[0x1fb33026]; ok {
		t.Error("Default() registered a reader for the help.getNearestDc method")
	}
}

func TestParseSchemasResetsSection(t *testing.T) {
	entries, err := ParseSchemas(
		"a#00000001 = A;\n---functions---\ngetA#00000002 = A;\n",
		"b#00000003 = B;\n",
	)
	if err != nil {
		t.Fatalf("ParseSchemas() error = %v", err)
	}
	want := map[string]EntryKind{"a": KindConstructor, "getA": KindMethod, "b": KindConstructor}
	if len(entries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d", len(entries), len(want))
	}
	for _, e := range entries {
		if e.Kind != want[e.Name] {
			t.Errorf("%s: Kind = %v, want %v", e.Name, e.Kind, want[e.Name])
		}
	}
}
