package ir

import (
	"strings"
	"testing"
)

// TestOpDefUses 测试定义/使用集合
func TestOpDefUses(t *testing.T) {
	tests := []struct {
		op     Op
		def    Reg
		hasDef bool
		uses   []Reg
	}{
		{MovImm(1, 5), 1, true, nil},
		{Add(3, 1, 2), 3, true, []Reg{1, 2}},
		{AddImm(4, 3, 7), 4, true, []Reg{3}},
		{Load(5, 4, 8, 8), 5, true, []Reg{4}},
		{Store(5, 4, 8, 8), 0, false, []Reg{4, 5}},
		{Nop(), 0, false, nil},
	}

	for _, tt := range tests {
		def, ok := tt.op.Def()
		if ok != tt.hasDef || def != tt.def {
			t.Errorf("%s: Def() = %d,%v, want %d,%v", tt.op, def, ok, tt.def, tt.hasDef)
		}
		uses := tt.op.Uses()
		if len(uses) != len(tt.uses) {
			t.Errorf("%s: Uses() = %v, want %v", tt.op, uses, tt.uses)
			continue
		}
		for i := range uses {
			if uses[i] != tt.uses[i] {
				t.Errorf("%s: Uses() = %v, want %v", tt.op, uses, tt.uses)
			}
		}
	}
}

// TestBlockHash 测试内容哈希
func TestBlockHash(t *testing.T) {
	a := NewBuilder(0x1000).Emit(MovImm(1, 5)).Emit(AddImm(2, 1, 1)).Build(Ret())
	b := NewBuilder(0x1000).Emit(MovImm(1, 5)).Emit(AddImm(2, 1, 1)).Build(Ret())
	c := NewBuilder(0x1000).Emit(MovImm(1, 6)).Emit(AddImm(2, 1, 1)).Build(Ret())

	if a.Hash() != b.Hash() {
		t.Error("identical blocks should hash equal")
	}
	if a.Hash() == c.Hash() {
		t.Error("different immediates should change the hash")
	}
	if a.Hash().IsZero() {
		t.Error("hash should not be zero")
	}
	if len(a.Hash().String()) != HashSize*2 {
		t.Errorf("hex length = %d", len(a.Hash().String()))
	}
}

// TestBlockClone 测试深拷贝
func TestBlockClone(t *testing.T) {
	orig := NewBuilder(0x2000).Emit(MovImm(1, 1)).LiveOut(1).Build(Jmp(0x3000))
	cp := orig.Clone()

	cp.Ops[0].Imm = 99
	cp.LiveOut[0] = 7
	if orig.Ops[0].Imm != 1 || orig.LiveOut[0] != 1 {
		t.Fatal("clone shares storage with original")
	}
	if (*Block)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

// TestBlockString 测试文本输出
func TestBlockString(t *testing.T) {
	blk := NewBuilder(0x10).
		Emit(MovImm(1, 3)).
		Emit(Div(2, 1, 1, true)).
		Emit(Store(2, 1, -8, 4)).
		Build(CondJmp(2, 0x20, 0x30))

	s := blk.String()
	for _, want := range []string{"movi v1, 3", "divs v2, v1, v1", "store32 [v1-8], v2", "cjmp v2, 0x20, 0x30"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
}

// TestBuilderNewReg 测试寄存器编号
func TestBuilderNewReg(t *testing.T) {
	b := NewBuilder(0)
	b.Emit(MovImm(10, 0))
	if r := b.NewReg(); r != 11 {
		t.Errorf("NewReg = %d, want 11", r)
	}
}
