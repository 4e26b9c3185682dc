package main

import "testing"

func TestDecodeWord64RejectsBadHex(t *testing.T) {
	if _, err := decodeWord64("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestDecodeWord64RejectsWrongLength(t *testing.T) {
	if _, err := decodeWord64("aa"); err == nil {
		t.Fatal("expected error for short word")
	}
}

func TestDecodeWord64DecodesNop(t *testing.T) {
	// 0xd503201f is AArch64 NOP.
	s, err := decodeWord64("1f2003d5")
	if err != nil {
		t.Fatalf("decodeWord64: %v", err)
	}

	if s == "" {
		t.Fatal("expected non-empty disassembly")
	}
}

func TestDecodeWord32RejectsBadHex(t *testing.T) {
	if _, err := decodeWord32("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}
