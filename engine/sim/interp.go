package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// ---------------------------------------------------------------------------
// Reference interpreter
// ---------------------------------------------------------------------------

// V is the interpreter's dynamic value. Numbers live on the usual two-rail
// model: machine integers where possible, float64 otherwise.
type V struct {
	Tag engine.Tag
	I   int32
	F   float64
}

// Int builds an integer value.
func Int(v int32) V { return V{Tag: engine.TagInt, I: v} }

// Float builds a float value.
func Float(f float64) V { return V{Tag: engine.TagFloat64, F: f} }

// Bool builds a boolean value.
func Bool(b bool) V {
	v := V{Tag: engine.TagBool}
	if b {
		v.I = 1
	}
	return v
}

// Undef is the undefined value.
func Undef() V { return V{Tag: engine.TagUndefined} }

// Null is the null value.
func Null() V { return V{Tag: engine.TagNull} }

func (v V) String() string {
	switch v.Tag {
	case engine.TagInt:
		return fmt.Sprintf("%d", v.I)
	case engine.TagFloat64:
		return fmt.Sprintf("%g", v.F)
	case engine.TagBool:
		if v.I != 0 {
			return "true"
		}
		return "false"
	case engine.TagUndefined:
		return "undefined"
	case engine.TagNull:
		return "null"
	}
	return fmt.Sprintf("<%v>", v.Tag)
}

// num applies the language's number coercion.
func (v V) num() float64 {
	switch v.Tag {
	case engine.TagInt:
		return float64(v.I)
	case engine.TagFloat64:
		return v.F
	case engine.TagBool:
		return float64(v.I)
	case engine.TagNull:
		return 0
	}
	return math.NaN()
}

// truthy applies the language's boolean coercion.
func (v V) truthy() bool {
	switch v.Tag {
	case engine.TagInt:
		return v.I != 0
	case engine.TagFloat64:
		return v.F != 0 && !math.IsNaN(v.F)
	case engine.TagBool:
		return v.I != 0
	}
	return false
}

// numV narrows a float result back to a machine integer when it is exact,
// in range, and not negative zero.
func numV(f float64) V {
	if f == math.Trunc(f) && !math.IsInf(f, 0) &&
		f >= math.MinInt32 && f <= math.MaxInt32 &&
		!(f == 0 && math.Signbit(f)) {
		return Int(int32(f))
	}
	return Float(f)
}

// toInt32 is the language's ToInt32 coercion.
func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int32(uint32(uint64(int64(math.Trunc(f)))))
}

// ErrUnsupported marks an opcode the simulator's interpreter does not
// model, such as the object and property operations.
var ErrUnsupported = errors.New("sim: unsupported opcode")

const (
	interpMaxSteps   = 10_000_000
	interpMaxCallDepth = 256
)

// Resolver maps a function-bytecode handle to its definition, for the
// call opcodes. The kernel supplies its definition table.
type Resolver func(engine.FuncHandle) (FuncDef, bool)

// Interpret executes one function definition to completion and returns its
// result. Missing arguments arrive as undefined, matching the engine's
// calling convention. The call opcodes are unsupported in this form; use
// InterpretWith for linked execution.
func Interpret(def FuncDef, args []V) (V, error) {
	return InterpretWith(def, args, nil)
}

// InterpretWith executes def with fclosure/call support: function-bytecode
// constants become callable values resolved through resolve.
func InterpretWith(def FuncDef, args []V, resolve Resolver) (V, error) {
	return interpret(def, args, resolve, 0)
}

func interpret(def FuncDef, args []V, resolve Resolver, nesting int) (V, error) {
	frameArgs := make([]V, def.ArgCount)
	for i := range frameArgs {
		if i < len(args) {
			frameArgs[i] = args[i]
		} else {
			frameArgs[i] = Undef()
		}
	}
	locals := make([]V, def.VarCount)
	for i := range locals {
		locals[i] = Undef()
	}
	var stack []V

	push := func(v V) { stack = append(stack, v) }
	pop := func() (V, error) {
		if len(stack) == 0 {
			return V{}, errors.New("sim: operand stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	pop2 := func() (lhs, rhs V, err error) {
		rhs, err = pop()
		if err != nil {
			return
		}
		lhs, err = pop()
		return
	}

	constAt := func(idx int) (V, error) {
		if idx < 0 || idx >= len(def.CPool) {
			return V{}, fmt.Errorf("sim: constant %d out of range", idx)
		}
		c := def.CPool[idx]
		return V{Tag: c.Tag, I: c.Int}, nil
	}
	argIdx := func(idx int) (int, error) {
		if idx < 0 || idx >= len(frameArgs) {
			return 0, fmt.Errorf("sim: argument %d out of range (arity %d)", idx, len(frameArgs))
		}
		return idx, nil
	}
	locIdx := func(idx int) (int, error) {
		if idx < 0 || idx >= len(locals) {
			return 0, fmt.Errorf("sim: local %d out of range (%d locals)", idx, len(locals))
		}
		return idx, nil
	}
	top := func() (V, error) {
		if len(stack) == 0 {
			return V{}, errors.New("sim: operand stack underflow")
		}
		return stack[len(stack)-1], nil
	}

	off := 0
	for steps := 0; ; steps++ {
		if steps > interpMaxSteps {
			return V{}, errors.New("sim: step limit exceeded")
		}
		if off >= len(def.Code) {
			return Undef(), nil
		}
		ins, err := engine.DecodeAt(def.Code, off)
		if err != nil {
			return V{}, err
		}
		next := off + ins.Size

		switch ins.Op {
		case engine.OpPushI32, engine.OpPushI16, engine.OpPushI8:
			push(Int(ins.Operand))
		case engine.OpPush0, engine.OpPush1, engine.OpPush2, engine.OpPush3,
			engine.OpPush4, engine.OpPush5, engine.OpPush6, engine.OpPush7:
			push(Int(int32(ins.Op - engine.OpPush0)))
		case engine.OpPushConst, engine.OpPushConst8:
			v, err := constAt(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			push(v)
		case engine.OpUndefined:
			push(Undef())
		case engine.OpNull:
			push(Null())
		case engine.OpPushTrue:
			push(Bool(true))
		case engine.OpPushFalse:
			push(Bool(false))

		case engine.OpDrop:
			if _, err := pop(); err != nil {
				return V{}, err
			}
		case engine.OpNip:
			top, err := pop()
			if err != nil {
				return V{}, err
			}
			if _, err := pop(); err != nil {
				return V{}, err
			}
			push(top)
		case engine.OpDup:
			if len(stack) == 0 {
				return V{}, errors.New("sim: dup on empty stack")
			}
			push(stack[len(stack)-1])
		case engine.OpSwap:
			a, b, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(b)
			push(a)

		case engine.OpGetArg:
			i, err := argIdx(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			push(frameArgs[i])
		case engine.OpGetArg0, engine.OpGetArg1, engine.OpGetArg2, engine.OpGetArg3:
			i, err := argIdx(int(ins.Op - engine.OpGetArg0))
			if err != nil {
				return V{}, err
			}
			push(frameArgs[i])
		case engine.OpPutArg:
			i, err := argIdx(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			frameArgs[i] = v
		case engine.OpPutArg0, engine.OpPutArg1, engine.OpPutArg2, engine.OpPutArg3:
			i, err := argIdx(int(ins.Op - engine.OpPutArg0))
			if err != nil {
				return V{}, err
			}
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			frameArgs[i] = v
		case engine.OpSetArg:
			i, err := argIdx(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			v, err := top()
			if err != nil {
				return V{}, err
			}
			frameArgs[i] = v

		case engine.OpGetLoc, engine.OpGetLoc8:
			i, err := locIdx(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			push(locals[i])
		case engine.OpGetLoc0, engine.OpGetLoc1, engine.OpGetLoc2, engine.OpGetLoc3:
			i, err := locIdx(int(ins.Op - engine.OpGetLoc0))
			if err != nil {
				return V{}, err
			}
			push(locals[i])
		case engine.OpPutLoc, engine.OpPutLoc8:
			i, err := locIdx(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			locals[i] = v
		case engine.OpPutLoc0, engine.OpPutLoc1, engine.OpPutLoc2, engine.OpPutLoc3:
			i, err := locIdx(int(ins.Op - engine.OpPutLoc0))
			if err != nil {
				return V{}, err
			}
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			locals[i] = v
		case engine.OpSetLoc:
			i, err := locIdx(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			v, err := top()
			if err != nil {
				return V{}, err
			}
			locals[i] = v

		case engine.OpAdd:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(numV(lhs.num() + rhs.num()))
		case engine.OpSub:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(numV(lhs.num() - rhs.num()))
		case engine.OpMul:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(numV(lhs.num() * rhs.num()))
		case engine.OpDiv:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(numV(lhs.num() / rhs.num()))
		case engine.OpMod:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(numV(math.Mod(lhs.num(), rhs.num())))
		case engine.OpNeg:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			push(numV(-v.num()))
		case engine.OpInc:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			push(numV(v.num() + 1))
		case engine.OpDec:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			push(numV(v.num() - 1))
		case engine.OpPlus:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			push(numV(v.num()))

		case engine.OpAnd:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(Int(toInt32(lhs.num()) & toInt32(rhs.num())))
		case engine.OpOr:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(Int(toInt32(lhs.num()) | toInt32(rhs.num())))
		case engine.OpXor:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(Int(toInt32(lhs.num()) ^ toInt32(rhs.num())))
		case engine.OpNot:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			push(Int(^toInt32(v.num())))
		case engine.OpShl:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(Int(toInt32(lhs.num()) << (uint32(toInt32(rhs.num())) & 31)))
		case engine.OpSar:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(Int(toInt32(lhs.num()) >> (uint32(toInt32(rhs.num())) & 31)))
		case engine.OpShr:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(numV(float64(uint32(toInt32(lhs.num())) >> (uint32(toInt32(rhs.num())) & 31))))

		case engine.OpLt, engine.OpLte, engine.OpGt, engine.OpGte:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			push(relational(ins.Op, lhs, rhs))
		case engine.OpEq, engine.OpNeq:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			eq := looseEq(lhs, rhs)
			push(Bool(eq == (ins.Op == engine.OpEq)))
		case engine.OpStrictEq, engine.OpStrictNeq:
			lhs, rhs, err := pop2()
			if err != nil {
				return V{}, err
			}
			eq := strictEq(lhs, rhs)
			push(Bool(eq == (ins.Op == engine.OpStrictEq)))
		case engine.OpLNot:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			push(Bool(!v.truthy()))

		case engine.OpGoto, engine.OpGoto16, engine.OpGoto8:
			next = int(ins.Operand)
		case engine.OpIfTrue, engine.OpIfTrue8:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			if v.truthy() {
				next = int(ins.Operand)
			}
		case engine.OpIfFalse, engine.OpIfFalse8:
			v, err := pop()
			if err != nil {
				return V{}, err
			}
			if !v.truthy() {
				next = int(ins.Operand)
			}

		case engine.OpReturn:
			return pop()
		case engine.OpReturnUndef:
			return Undef(), nil

		case engine.OpFClosure:
			v, err := constAt(int(ins.Operand))
			if err != nil {
				return V{}, err
			}
			if v.Tag != engine.TagFunctionBytecode {
				return V{}, fmt.Errorf("sim: fclosure constant %d is not function bytecode", ins.Operand)
			}
			push(v)
		case engine.OpCall:
			if resolve == nil {
				return V{}, fmt.Errorf("%w: call without linked functions", ErrUnsupported)
			}
			if nesting >= interpMaxCallDepth {
				return V{}, errors.New("sim: call nesting limit exceeded")
			}
			argc := int(ins.Operand)
			if argc < 0 || len(stack) < argc+1 {
				return V{}, errors.New("sim: operand stack underflow")
			}
			callArgs := make([]V, argc)
			for i := argc - 1; i >= 0; i-- {
				callArgs[i], _ = pop()
			}
			callee, err := pop()
			if err != nil {
				return V{}, err
			}
			if callee.Tag != engine.TagFunctionBytecode {
				return V{}, fmt.Errorf("sim: call target %s is not function bytecode", callee)
			}
			target, ok := resolve(engine.FuncHandle(uint32(callee.I)))
			if !ok {
				return V{}, fmt.Errorf("sim: call to unknown function %#x", uint32(callee.I))
			}
			ret, err := interpret(target, callArgs, resolve, nesting+1)
			if err != nil {
				return V{}, err
			}
			push(ret)

		default:
			return V{}, fmt.Errorf("%w: %s at offset %d", ErrUnsupported, ins.Op.Name(), off)
		}

		off = next
	}
}

// relational implements the ordered comparisons; any NaN operand makes
// them all false.
func relational(op engine.Opcode, lhs, rhs V) V {
	a, b := lhs.num(), rhs.num()
	if math.IsNaN(a) || math.IsNaN(b) {
		return Bool(false)
	}
	switch op {
	case engine.OpLt:
		return Bool(a < b)
	case engine.OpLte:
		return Bool(a <= b)
	case engine.OpGt:
		return Bool(a > b)
	default:
		return Bool(a >= b)
	}
}

func looseEq(lhs, rhs V) bool {
	lu := lhs.Tag == engine.TagUndefined || lhs.Tag == engine.TagNull
	ru := rhs.Tag == engine.TagUndefined || rhs.Tag == engine.TagNull
	if lu || ru {
		return lu && ru
	}
	return lhs.num() == rhs.num()
}

func strictEq(lhs, rhs V) bool {
	numeric := func(t engine.Tag) bool { return t == engine.TagInt || t == engine.TagFloat64 }
	if numeric(lhs.Tag) && numeric(rhs.Tag) {
		return lhs.num() == rhs.num()
	}
	if lhs.Tag != rhs.Tag {
		return false
	}
	switch lhs.Tag {
	case engine.TagBool:
		return lhs.I == rhs.I
	case engine.TagUndefined, engine.TagNull:
		return true
	}
	return false
}
