package hwtimer

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"
)

func tstSetAll(t *tInfo, flgs uint8, gen uint32) {
	t.atomicV = uint32(flgs)<<flgsBpos | gen&genMask
}

func TestTinfoConsts(t *testing.T) {
	var x tInfo
	fmask := (flgsMask << flgsBpos) | genMask
	maxVal := (1 << uint64(unsafe.Sizeof(x.atomicV)*8)) - 1
	if fmask != maxVal {
		t.Errorf("max val does not corresp. to full maks: 0x%x <> 0x%x\n",
			maxVal, fmask)
	}
}

func TestTinfoOps(t *testing.T) {
	const iterations = 100000
	for i := 0; i < iterations; i++ {
		var x tInfo
		f0 := rand.Intn(256)
		mset := rand.Intn(256)
		mreset := rand.Intn(256)
		g := uint32(rand.Intn(genMask + 1))

		fRes := uint8(f0 & ^mreset | mset)
		mix := rand.Intn(5)
		switch mix {
		case 0:
			tstSetAll(&x, uint8(f0), g)
			x.resetFlags(uint8(mreset))
			x.setFlags(uint8(mset))
		case 1:
			tstSetAll(&x, uint8(f0), g)
			x.chgFlags(uint8(mset), uint8(mreset))
		case 2:
			tstSetAll(&x, 0, g)
			x.setFlags(uint8(f0))
			x.chgFlags(uint8(mset), uint8(mreset))
		case 3:
			tstSetAll(&x, uint8(f0), g)
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				x.resetFlags(uint8(mreset & ^mset))
				wg.Done()
			}()
			go func() {
				x.setFlags(uint8(mset))
				wg.Done()
			}()
			wg.Wait()
		case 4:
			tstSetAll(&x, uint8(f0), g)
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				x.setFlags(uint8(mset))
				wg.Done()
			}()
			go func() {
				x.resetFlags(uint8(mreset & ^mset))
				wg.Done()
			}()
			wg.Wait()
		default:
			t.Fatalf("uncovered internal test case %d\n", mix)
		}
		if x.flags() != fRes {
			t.Errorf("flags mismatch, expected 0x%x, got 0x%x"+
				" 0x%x & ^0x%x | 0x%x  (mix %d)\n",
				fRes, x.flags(), f0, mreset, mset, mix)
		}
		if x.gen() != g {
			t.Errorf("gen mismatch, expected %d, got %d (mix %d)\n",
				g, x.gen(), mix)
		}
	}
}

func TestTinfoNextGen(t *testing.T) {
	var x tInfo
	tstSetAll(&x, 0xff, genMask)
	if g := x.nextGen(); g != 1 {
		t.Errorf("gen wrap: expected 1, got %d\n", g)
	}
	if x.flags() != 0 {
		t.Errorf("flags not cleared by nextGen: 0x%x\n", x.flags())
	}
	if g := x.nextGen(); g != 2 || x.gen() != 2 {
		t.Errorf("expected gen 2, got %d / %d\n", g, x.gen())
	}
}
