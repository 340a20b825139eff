package kerr

import "testing"

func TestErrorStrings(t *testing.T) {
	cases := []Code{Ok, BadEnv, Inval, NoMem, NoFreeEnv, IpcNotRecv, Fault}
	for _, c := range cases {
		if c.Error() == "" {
			t.Errorf("code %d has empty message", c)
		}
	}
}

func TestFromInt32(t *testing.T) {
	c, ok := FromInt32(-2)
	if !ok || c != Inval {
		t.Fatalf("FromInt32(-2) = %v, %v; want Inval, true", c, ok)
	}
	if _, ok := FromInt32(-99); ok {
		t.Fatalf("FromInt32(-99) should not resolve to a known code")
	}
}

func TestAsError(t *testing.T) {
	if err := AsError(Ok); err != nil {
		t.Fatalf("AsError(Ok) = %v, want nil", err)
	}
	if err := AsError(NoMem); err == nil {
		t.Fatalf("AsError(NoMem) = nil, want error")
	}
}

func TestWireValuesStable(t *testing.T) {
	want := map[Code]int32{
		BadEnv:     -1,
		Inval:      -2,
		NoMem:      -3,
		NoFreeEnv:  -4,
		IpcNotRecv: -5,
		Fault:      -6,
	}
	for c, v := range want {
		if c.Int32() != v {
			t.Errorf("%v.Int32() = %d, want %d", c, c.Int32(), v)
		}
	}
}
