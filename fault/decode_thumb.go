package fault

import "github.com/capvisor/vmm/hostif"

// decodeThumb16 decodes the Thumb16 LDR/STR (immediate) family:
//
//	STR  (word)  0110 0 imm5 Rn Rt
//	LDR  (word)  0110 1 imm5 Rn Rt
//	STRB (byte)  0111 0 imm5 Rn Rt
//	LDRB (byte)  0111 1 imm5 Rn Rt
//	STRH (half)  1000 0 imm5 Rn Rt
//	LDRH (half)  1000 1 imm5 Rn Rt
func decodeThumb16(instr uint16) (decoded, error) {
	top5 := instr >> 11
	rn := hostif.RegID(instr >> 3 & 0x7)
	rt := hostif.RegID(instr & 0x7)

	var width Width

	switch top5 {
	case 0b01100, 0b01101:
		width = WidthWord
	case 0b01110, 0b01111:
		width = WidthByte
	case 0b10000, 0b10001:
		width = WidthHalfword
	default:
		return decoded{}, ErrDecodeFail
	}

	isLoad := instr>>11&1 != 0

	return decoded{isRead: isLoad, width: width, targetReg: rt, baseReg: rn}, nil
}

// decodeThumb32 decodes the 32-bit Thumb-2 LDR/STR (immediate) family,
// opcode class 1111 100x xxx1/0 (load/store single data item):
//
//	op1 = instr[31:27]=11111, op2 selects byte/half/word and L bit.
//
// Only the T3 (12-bit positive immediate) and T4 (8-bit pre/post
// indexed) forms are decoded; anything else reports ErrDecodeFail.
func decodeThumb32(instr uint32) (decoded, error) {
	hi := uint16(instr >> 16)
	lo := uint16(instr)

	if hi>>11 != 0b11111 {
		return decoded{}, ErrDecodeFail
	}

	op1 := hi >> 5 & 0x3 // size: 00=byte 01=half 10=word
	isLoad := hi>>4&1 != 0
	rn := hostif.RegID(hi & 0xf)
	rt := hostif.RegID(lo >> 12 & 0xf)

	var width Width

	switch op1 {
	case 0b00:
		width = WidthByte
	case 0b01:
		width = WidthHalfword
	case 0b10:
		width = WidthWord
	default:
		return decoded{}, ErrDecodeFail
	}

	// T4 immediate-8 form (bit[7] of hi clear, bit[11] of lo set) carries W in bit[8] of lo
	writeback := hi>>7&1 == 0 && lo>>11&1 != 0 && lo>>8&1 != 0

	return decoded{isRead: isLoad, width: width, targetReg: rt, baseReg: rn, writeback: writeback}, nil
}
