package addr

import "testing"

func TestAlignUpDown(t *testing.T) {
	cases := []struct {
		in, align uint64
		up, down  uint64
	}{
		{0x1001, 0x1000, 0x2000, 0x1000},
		{0x1000, 0x1000, 0x1000, 0x1000},
		{0, 0x1000, 0, 0},
	}
	for _, c := range cases {
		if got := VA(c.in).AlignUp(c.align); uint64(got) != c.up {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", c.in, c.align, got, c.up)
		}
		if got := VA(c.in).AlignDown(c.align); uint64(got) != c.down {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", c.in, c.align, got, c.down)
		}
	}
}

func TestIsAlignedTo(t *testing.T) {
	if !VA(0x2000).IsAlignedTo(0x1000) {
		t.Fatal("0x2000 should be page aligned")
	}
	if VA(0x2001).IsAlignedTo(0x1000) {
		t.Fatal("0x2001 should not be page aligned")
	}
}

func TestNonPow2AlignmentTraps(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on non-power-of-two alignment")
		}
	}()
	_ = VA(0x1000).AlignUp(3)
}

func TestAddOverflowTraps(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflow")
		}
	}()
	_ = PA(^uint64(0)).Add(1)
}

func TestSubUnderflowTraps(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on underflow")
		}
	}()
	_ = PA(0).Sub(1)
}

func TestOffsetFromUnsigned(t *testing.T) {
	a, b := VA(0x3000), VA(0x1000)
	if got := a.OffsetFromUnsigned(b); got != 0x2000 {
		t.Fatalf("got %#x want 0x2000", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on underflow")
		}
	}()
	_ = b.OffsetFromUnsigned(a)
}

func TestCanonicalizeSv39(t *testing.T) {
	// bit 38 set -> every bit above 38 becomes 1.
	raw := VA(uint64(1) << 38)
	canon := Canonicalize[Sv39Mode](raw)
	want := VA(0xffffffc000000000) // ^0 << 38
	if canon != want {
		t.Fatalf("Canonicalize(Sv39) = %#x, want %#x", canon, want)
	}
	if !IsCanonical[Sv39Mode](canon) {
		t.Fatal("canonicalized address must report canonical")
	}
	if IsCanonical[Sv39Mode](VA(uint64(1) << 40)) {
		t.Fatal("non-canonical address incorrectly reported canonical")
	}
}

func TestCanonicalizeLowBitsUnaffected(t *testing.T) {
	v := VA(0x3000)
	if Canonicalize[Sv39Mode](v) != v {
		t.Fatalf("low address should already be canonical, got %#x", Canonicalize[Sv39Mode](v))
	}
}

func TestStepForwardBackward(t *testing.T) {
	base := VA(0x1000)
	next := base.StepForward(3, 0x1000)
	if next != VA(0x4000) {
		t.Fatalf("StepForward = %#x, want 0x4000", next)
	}
	if next.StepBackward(3, 0x1000) != base {
		t.Fatal("StepBackward did not invert StepForward")
	}
}
