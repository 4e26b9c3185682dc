package main

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
)

// decodeWord64 disassembles one A64 instruction word for the "probe"
// subcommand's diagnostic mode: when the fault engine logs
// ErrDecodeFail for an encoding it doesn't recognize, this lets an
// operator check by hand what the guest actually executed, the same
// "decode at the captured PC" step FD performs inline, just run
// offline against a hex word pasted from a log line.
//
// Grounded on the x86asm.Decode/GoSyntax pattern gokvm's
// machine/debug_amd64.go ports for x86; golang.org/x/arch ships the
// ARM counterparts (arm/armasm, arm64/arm64asm) in the same module,
// so no new dependency is introduced — only a second subpackage of
// one already required.
func decodeWord64(hexWord string) (string, error) {
	word, err := parseWord(hexWord, 4)
	if err != nil {
		return "", err
	}

	inst, err := arm64asm.Decode(word)
	if err != nil {
		return "", fmt.Errorf("decode a64: %w", err)
	}

	return inst.String(), nil
}

func decodeWord32(hexWord string) (string, error) {
	word, err := parseWord(hexWord, 4)
	if err != nil {
		return "", err
	}

	// armasm.Decode expects instructions in their natural byte order.
	// The word is decoded in ARM (A32) mode only; T32 is not tried.
	inst, err := armasm.Decode(word, armasm.ModeARM)
	if err != nil {
		return "", fmt.Errorf("decode a32: %w", err)
	}

	return inst.String(), nil
}

func parseWord(hexWord string, nbytes int) ([]byte, error) {
	b, err := hex.DecodeString(hexWord)
	if err != nil {
		return nil, fmt.Errorf("decode: invalid hex %q: %w", hexWord, err)
	}

	if len(b) != nbytes {
		return nil, fmt.Errorf("decode: want %d bytes, got %d", nbytes, len(b))
	}

	return b, nil
}
