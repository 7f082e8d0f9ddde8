package engine

import (
	"strings"
	"testing"
)

func TestBuilderEncodesOperandWidths(t *testing.T) {
	code := NewBuilder().
		Op(OpDup).
		U8(OpPushConst8, 3).
		I8(OpPushI8, -5).
		U16(OpGetLoc, 260).
		I16(OpPushI16, -1000).
		I32(OpPushI32, 1<<20).
		Bytes()

	want := []struct {
		op      Opcode
		operand int32
	}{
		{OpDup, 0},
		{OpPushConst8, 3},
		{OpPushI8, -5},
		{OpGetLoc, 260},
		{OpPushI16, -1000},
		{OpPushI32, 1 << 20},
	}

	off := 0
	for i, w := range want {
		ins, err := DecodeAt(code, off)
		if err != nil {
			t.Fatalf("decode at %d: %v", off, err)
		}
		if ins.Op != w.op {
			t.Errorf("instruction %d: got %s, want %s", i, ins.Op.Name(), w.op.Name())
		}
		if ins.Op != OpDup && ins.Operand != w.operand {
			t.Errorf("instruction %d: operand %d, want %d", i, ins.Operand, w.operand)
		}
		off += ins.Size
	}
	if off != len(code) {
		t.Errorf("decoded %d bytes of %d", off, len(code))
	}
}

func TestBuilderBranchTargetsAreAbsolute(t *testing.T) {
	b := NewBuilder()
	top := b.NewLabel()
	out := b.NewLabel()

	b.Mark(top)
	b.Op(OpGetArg0)
	b.Branch(OpIfFalse, out)
	b.Op(OpGetArg0)
	b.Op(OpDec)
	b.Op(OpPutArg0)
	b.Branch(OpGoto, top)
	b.Mark(out)
	b.Op(OpReturnUndef)
	code := b.Bytes()

	var branches []Instruction
	for off := 0; off < len(code); {
		ins, err := DecodeAt(code, off)
		if err != nil {
			t.Fatalf("decode at %d: %v", off, err)
		}
		if ins.Op == OpIfFalse || ins.Op == OpGoto {
			branches = append(branches, ins)
		}
		off += ins.Size
	}
	if len(branches) != 2 {
		t.Fatalf("found %d branches, want 2", len(branches))
	}
	// if_false jumps past the goto to the trailing return_undef
	if got, want := int(branches[0].Operand), len(code)-1; got != want {
		t.Errorf("if_false target %d, want %d", got, want)
	}
	// goto jumps back to the start
	if branches[1].Operand != 0 {
		t.Errorf("goto target %d, want 0", branches[1].Operand)
	}
}

func TestDecodeTruncatedOperandFails(t *testing.T) {
	code := []byte{byte(OpPushI32), 0x01, 0x02} // needs 4 operand bytes
	if _, err := DecodeAt(code, 0); err == nil {
		t.Fatal("expected error for truncated operand")
	}
}

func TestDecodeUnknownOpcodeFails(t *testing.T) {
	if _, err := DecodeAt([]byte{0xFE}, 0); err == nil {
		t.Fatal("expected error for unknown opcode")
	}
}

func TestDisassembleListsEveryInstruction(t *testing.T) {
	code := NewBuilder().
		Op(OpGetArg0).
		Op(OpGetArg1).
		Op(OpAdd).
		Op(OpReturn).
		Bytes()
	text := Disassemble(code)
	for _, name := range []string{"get_arg0", "get_arg1", "add", "return"} {
		if !strings.Contains(text, name) {
			t.Errorf("listing missing %q:\n%s", name, text)
		}
	}
}
