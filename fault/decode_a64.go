package fault

import "github.com/capvisor/vmm/hostif"

// decodeA64 decodes the AArch64 LDR/STR (immediate, unsigned offset)
// encoding family:
//
//	size(31:30) 111 0 01 opc(23:22) imm12(21:10) Rn(9:5) Rt(4:0)
//
// size selects byte(00)/half(01)/word(10)/doubleword(11); opc=00 is a
// store, opc=01 a load, and opc=1x (with size=00/01/10) a
// sign-extending load. LDP/STP (load/store pair) and the register/pre/post-indexed
// variants are out of scope — unrecognised bit patterns report
// ErrDecodeFail.
func decodeA64(instr uint32) (decoded, error) {
	if instr>>24&0b111111 != 0b111001 {
		return decoded{}, ErrDecodeFail
	}

	size := instr >> 30 & 0x3
	opc := instr >> 22 & 0x3
	rn := hostif.RegID(instr >> 5 & 0x1f)
	rt := hostif.RegID(instr & 0x1f)

	isLoad := opc != 0b00
	signExtend := opc&0x2 != 0 && size != 0b11

	var width Width

	switch size {
	case 0b00:
		width = WidthByte
	case 0b01:
		width = WidthHalfword
	case 0b10:
		width = WidthWord
	case 0b11:
		width = WidthDoubleword
	}

	return decoded{isRead: isLoad, width: width, targetReg: rt, baseReg: rn, signExtend: signExtend}, nil
}
