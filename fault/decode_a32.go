package fault

import "github.com/capvisor/vmm/hostif"

// decodeA32 decodes the ARM A32 LDR/STR (immediate/register) single
// data-transfer encoding:
//
//	cond 01 I P U B W L Rn Rd imm12/shift+Rm
//
// bits[27:26]=01 identifies the single data-transfer class; I(25)
// selects register vs immediate offset, B(22) selects byte vs word,
// L(20) selects load vs store. Immediate and register offset forms
// decode alike: only direction, width and the Rn/Rd registers are
// extracted, and the offset itself is not computed. An instruction
// outside the bits[27:26]=01 class reports ErrDecodeFail.
func decodeA32(instr uint32) (decoded, error) {
	if instr>>26&0b11 != 0b01 {
		return decoded{}, ErrDecodeFail
	}

	byteAccess := instr>>22&1 != 0
	isLoad := instr>>20&1 != 0
	rn := hostif.RegID(instr >> 16 & 0xf)
	rd := hostif.RegID(instr >> 12 & 0xf)
	writeback := instr>>21&1 != 0

	d := decoded{
		isRead:    isLoad,
		width:     WidthWord,
		targetReg: rd,
		baseReg:   rn,
		writeback: writeback,
	}

	if byteAccess {
		d.width = WidthByte
	}

	return d, nil
}

// decodeA32Extra handles the LDRH/STRH/LDRSB/LDRSH halfword and
// signed-byte/halfword extra-load-store encoding (bits[27:25]=000,
// bit[7]=1, bit[4]=1):
//
//	cond 000 P U I W L Rn Rt ... 1 S H 1 ...
func decodeA32Extra(instr uint32) (decoded, error) {
	if instr>>25&0b111 != 0b000 || instr>>4&1 != 1 || instr>>7&1 != 1 {
		return decoded{}, ErrDecodeFail
	}

	sBit := instr >> 6 & 1
	hBit := instr >> 5 & 1
	isLoad := instr>>20&1 != 0
	rn := hostif.RegID(instr >> 16 & 0xf)
	rt := hostif.RegID(instr >> 12 & 0xf)

	d := decoded{isRead: isLoad, targetReg: rt, baseReg: rn, width: WidthHalfword}

	switch {
	case sBit == 0 && hBit == 1:
		d.width = WidthHalfword
	case sBit == 1 && hBit == 0:
		d.width = WidthByte
		d.signExtend = true
	case sBit == 1 && hBit == 1:
		d.width = WidthHalfword
		d.signExtend = true
	default:
		return decoded{}, ErrDecodeFail
	}

	return d, nil
}
