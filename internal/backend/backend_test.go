package backend

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/regalloc"
)

func sampleBlock() *ir.Block {
	return ir.NewBuilder(0x1000).
		Emit(ir.MovImm(1, 40)).
		Emit(ir.MovImm(2, 2)).
		Emit(ir.Add(3, 1, 2)).
		Emit(ir.Div(4, 3, 2, true)).
		Emit(ir.Rem(5, 3, 2, false)).
		Emit(ir.Binary(ir.OpCmpLtU, 6, 4, 5)).
		Emit(ir.SllImm(7, 6, 3)).
		Emit(ir.Load(8, 7, 16, 4)).
		Emit(ir.Store(8, 7, 24, 1)).
		Emit(ir.Not(9, 8)).
		LiveOut(9).
		Build(ir.CondJmp(6, 0x2000, 0x3000))
}

func TestAMD64EmitsCode(t *testing.T) {
	blk := sampleBlock()
	alloc := regalloc.New(regalloc.DefaultConfig()).AllocateBlock(blk)

	code, err := NewAMD64().Emit(blk, alloc)
	require.NoError(t, err)
	assert.NotEmpty(t, code.Bytes)
	assert.Equal(t, 0, code.EntryOffset)
	assert.Contains(t, string(code.Bytes), "\xc3", "code contains a ret")
}

func TestAMD64SpilledBlock(t *testing.T) {
	blk := sampleBlock()
	// 两个寄存器迫使溢出到栈帧
	alloc := regalloc.New(regalloc.Config{NumRegs: 2, Strategy: "linear-scan"}).AllocateBlock(blk)
	require.Greater(t, alloc.Spills, 0)

	code, err := NewAMD64().Emit(blk, alloc)
	require.NoError(t, err)
	assert.NotEmpty(t, code.Bytes)

	wide := regalloc.New(regalloc.Config{NumRegs: 31}).AllocateBlock(blk)
	other, err := NewAMD64().Emit(blk, wide)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(code.Bytes, other.Bytes), "allocation changes the encoding")
}

// negRAX NEGQ AX 的编码
var negRAX = []byte{0x48, 0xf7, 0xd8}

func divBlock(signed bool) *ir.Block {
	return ir.NewBuilder(0x1000).
		Emit(ir.Div(3, 1, 2, signed)).
		LiveOut(3).
		Build(ir.Ret())
}

func TestAMD64SignedDivideGuardsOverflow(t *testing.T) {
	signed := divBlock(true)
	code, err := NewAMD64().Emit(signed, regalloc.New(regalloc.DefaultConfig()).AllocateBlock(signed))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(code.Bytes, negRAX), "divisor -1 is handled by negation")

	unsigned := divBlock(false)
	ucode, err := NewAMD64().Emit(unsigned, regalloc.New(regalloc.DefaultConfig()).AllocateBlock(unsigned))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ucode.Bytes, negRAX))
	assert.Greater(t, len(code.Bytes), len(ucode.Bytes))
}

func TestAMD64MissingAllocation(t *testing.T) {
	blk := sampleBlock()
	_, err := NewAMD64().Emit(blk, &regalloc.Result{Allocations: map[ir.Reg]regalloc.Allocation{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no allocation")
	assert.True(t, jiterrors.Is(err, jiterrors.ErrCompilationFailure))
}

func TestAMD64BadAccessSize(t *testing.T) {
	blk := ir.NewBuilder(0).Emit(ir.MovImm(1, 0)).Emit(ir.Load(2, 1, 0, 3)).Build(ir.Ret())
	alloc := regalloc.New(regalloc.DefaultConfig()).AllocateBlock(blk)
	_, err := NewAMD64().Emit(blk, alloc)
	require.Error(t, err)
}

func TestEmitterFunc(t *testing.T) {
	boom := errors.New("boom")
	var b Backend = EmitterFunc(func(*ir.Block, *regalloc.Result) (Code, error) {
		return Code{}, boom
	})
	_, err := b.Emit(nil, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "func", b.Name())
}

func TestArena(t *testing.T) {
	a, err := NewArena(4096)
	require.NoError(t, err)
	defer a.Close()

	h1, err := a.Put([]byte{1, 2, 3})
	require.NoError(t, err)
	h2, err := a.Put([]byte{4, 5})
	require.NoError(t, err)

	assert.Equal(t, Handle(0), h1)
	assert.Equal(t, Handle(1), h2)
	assert.Equal(t, []byte{1, 2, 3}, a.Bytes(h1))
	assert.Equal(t, []byte{4, 5}, a.Bytes(h2))
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 32, a.Used(), "chunks occupy whole 16-byte slots")
	assert.Nil(t, a.Bytes(NoHandle))
	assert.Nil(t, a.Bytes(7))

	_, err = a.Put(make([]byte, a.Capacity()))
	assert.Error(t, err, "arena overflow")

	a.Reset()
	assert.Equal(t, 0, a.Len())
	assert.Nil(t, a.Bytes(h1))

	require.NoError(t, a.Close())
	_, err = a.Put([]byte{1})
	assert.True(t, jiterrors.Is(err, jiterrors.ErrShutdown))
}

func TestArenaRelease(t *testing.T) {
	a, err := NewArena(4096)
	require.NoError(t, err)
	defer a.Close()

	h1, err := a.Put(make([]byte, 40))
	require.NoError(t, err)
	h2, err := a.Put([]byte{7, 7})
	require.NoError(t, err)
	assert.Equal(t, 64, a.Used())

	a.Release(h1)
	assert.Nil(t, a.Bytes(h1), "released handles read as nil")
	assert.Equal(t, []byte{7, 7}, a.Bytes(h2))
	assert.Equal(t, 16, a.Used())
	a.Release(h1)
	assert.Equal(t, 16, a.Used(), "double release is ignored")

	// 释放的区间被复用，句柄编号不复用
	h3, err := a.Put([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, Handle(2), h3)
	assert.Equal(t, []byte{1, 2, 3}, a.Bytes(h3))
	assert.Nil(t, a.Bytes(h1))

	// 反复编译不会耗尽代码区
	for i := 0; i < 1000; i++ {
		h, err := a.Put(make([]byte, 100))
		require.NoError(t, err, "iteration %d", i)
		a.Release(h)
	}
	assert.Equal(t, 32, a.Used())
}
