package detour

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL abs32
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeLEA     = 0x8d

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m
	opcodeMOV_r_rm   = 0x8b // MOV r, r/m

	regModeDirect = 3
	registerBP    = 5

	jumpSize = 5 // 1 byte opcode + 4 byte address
)

// insertJump overwrites the start of buf with a JMP to dest and pads the rest
// with INT3, the way the compiler pads between functions.
func insertJump(buf []byte, dest uintptr) error {
	if len(buf) < jumpSize {
		return errors.New("buffer too small for jump instruction")
	}

	src := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) + jumpSize

	diff := int64(dest) - int64(src)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return fmt.Errorf("jump target 0x%x out of rel32 range", dest)
	}

	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(diff)))

	for i := jumpSize; i < len(buf); i++ {
		buf[i] = opcodeINT3
	}

	return nil
}

// relocateFunc copies machine instructions from src into dest translating
// relative instructions as it goes. dest must be at least as large as src.
//
// The data underlying the slices is assumed to be the same address the code
// would execute from. The dest slice is returned after being resized.
func relocateFunc(src, dest []byte) ([]byte, error) {
	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	// Trim INT3 padding from the end of src
	end := len(src)
	for end > 0 && src[end-1] == opcodeINT3 {
		end--
	}
	src = src[:end]

	dest = dest[:len(src)]

	for i := 0; i < len(src); {
		instruction, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		srcAddr := srcBase + uintptr(i) + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i) + uintptr(instruction.Len)

		switch instruction.Opcode >> 24 {
		case opcodeCALLrel, opcodeJMP:
			rel, ok := instruction.Args[0].(x86asm.Rel)
			if !ok || instruction.Len != jumpSize {
				copy(dest[i:], src[i:i+instruction.Len])
				break
			}

			absDest := srcAddr + uintptr(rel)
			if absDest >= srcBase && absDest < srcBase+uintptr(len(src)) {
				// Jumps within the body move along with it.
				copy(dest[i:], src[i:i+instruction.Len])
				break
			}
			newRel := int64(absDest) - int64(destAddr)
			if newRel >= math.MinInt32 && newRel <= math.MaxInt32 {
				dest[i] = src[i]
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(int32(newRel)))
				break
			}

			if src[i] != opcodeCALLrel {
				return nil, fmt.Errorf("decode error at offset %d: jump target out of range", i)
			}

			// The new address is too far to call directly, so route the
			// call through a thunk appended after the body.
			jumpBack := int32(i + instruction.Len - len(dest))
			thunk, err := callThunk(absDest, jumpBack)
			if err != nil {
				return nil, fmt.Errorf("unable to generate call code: %w", err)
			}
			jumpTo := int32(len(dest) - (i + instruction.Len))

			dest = append(dest, thunk...)

			dest[i] = opcodeJMP
			binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))
		case opcodeLEA, opcodeMOV_r_rm:
			mem, ok := instruction.Args[1].(x86asm.Mem)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}
			if mem.Base == x86asm.RIP {
				copy(dest[i:], src[i:i+instruction.Len-4])

				newDisp := (int64(srcAddr) + mem.Disp) - int64(destAddr)
				if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
					return nil, fmt.Errorf("decode error at offset %d: unable to translate instruction relative address", i)
				}

				binary.LittleEndian.PutUint32(dest[i+instruction.Len-4:], uint32(newDisp))
			} else {
				copy(dest[i:], src[i:i+instruction.Len])
			}
		default:
			copy(dest[i:], src[i:i+instruction.Len])
		}

		i += instruction.Len
	}

	// Pad to 16-bytes
	padding := make([]byte, ((len(dest)+0xf)&^0xf)-len(dest))
	for i := range padding {
		padding[i] = opcodeINT3
	}
	dest = append(dest, padding...)

	return dest, nil
}

// callThunk returns the x86-64 machine code equivalent of:
//
//	MOVQ <callDest>, BP
//	CALL BP
//	JMP <jumpBack+offset>
//
// jumpBack is relative to the beginning of the block and is adjusted for its
// final address.
func callThunk(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call is not implemented")
	}

	buf := make([]byte, 14)
	i := 0

	// MOVQ <callDest> BP
	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++

	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	// CALL BP
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	// JMP <jumpBack>
	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))
	i += 4

	return buf, nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
