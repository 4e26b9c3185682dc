package ioport

import "testing"

type fakeHandler struct {
	last  uint32
	value uint32
}

func (f *fakeHandler) PortIn(port uint16, size int) (uint32, error) { return f.value, nil }

func (f *fakeHandler) PortOut(port uint16, size int, value uint32) error {
	f.last = value

	return nil
}

type fakeGrantor struct {
	start, end uint16
	called     bool
}

func (g *fakeGrantor) GrantIOPorts(start, end uint16) error {
	g.start, g.end, g.called = start, end, true

	return nil
}

func TestRegisterEmulatedDetectsOverlap(t *testing.T) {
	reg := New(nil)

	if err := reg.RegisterEmulated(0x3f8, 0x400, &fakeHandler{}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	if err := reg.RegisterEmulated(0x3fc, 0x3fe, &fakeHandler{}); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestAdjacentRangesDoNotConflict(t *testing.T) {
	reg := New(nil)

	if err := reg.RegisterEmulated(0x3f8, 0x400, &fakeHandler{}); err != nil {
		t.Fatalf("first: %v", err)
	}

	if err := reg.RegisterEmulated(0x400, 0x408, &fakeHandler{}); err != nil {
		t.Fatalf("adjacent should not conflict: %v", err)
	}
}

func TestPortInOutDispatchToHandler(t *testing.T) {
	reg := New(nil)
	h := &fakeHandler{value: 0xAB}

	if err := reg.RegisterEmulated(0x60, 0x64, h); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.PortIn(0x60, 1)
	if err != nil {
		t.Fatalf("PortIn: %v", err)
	}

	if got != 0xAB {
		t.Fatalf("PortIn = %#x, want 0xAB", got)
	}

	if err := reg.PortOut(0x61, 1, 0x42); err != nil {
		t.Fatalf("PortOut: %v", err)
	}

	if h.last != 0x42 {
		t.Fatalf("handler.last = %#x, want 0x42", h.last)
	}
}

func TestPortInMissReturnsZero(t *testing.T) {
	reg := New(nil)

	got, err := reg.PortIn(0x2f8, 2)
	if err != nil {
		t.Fatalf("PortIn: %v", err)
	}

	if got != 0 {
		t.Fatalf("PortIn miss = %#x, want 0", got)
	}
}

func TestPortOutMissIsSwallowedNotErrored(t *testing.T) {
	reg := New(nil)

	if err := reg.PortOut(0x2f8, 1, 0xFF); err != nil {
		t.Fatalf("PortOut miss should not error: %v", err)
	}
}

func TestRegisterPassthroughGrantsOnce(t *testing.T) {
	g := &fakeGrantor{}
	reg := New(g)

	if err := reg.RegisterPassthrough(0xcf8, 0xd00); err != nil {
		t.Fatalf("RegisterPassthrough: %v", err)
	}

	if !g.called {
		t.Fatalf("grantor was not invoked")
	}

	if g.start != 0xcf8 || g.end != 0xd00 {
		t.Fatalf("grantor range = [%#x,%#x), want [0xcf8,0xd00)", g.start, g.end)
	}
}

func TestBadSizeRejected(t *testing.T) {
	reg := New(nil)

	if _, err := reg.PortIn(0x60, 3); err != ErrBadSize {
		t.Fatalf("err = %v, want ErrBadSize", err)
	}
}
