package hwtimer

import (
	"math/rand"
	"os"
	"testing"
	"time"
)

var seed int64

func TestMain(m *testing.M) {
	seed = time.Now().UnixNano()
	rand.Seed(seed)
	res := m.Run()
	os.Exit(res)
}

var testWidths = [...]Width{8, 16, 24, 32, 48, 63, 64}

func TestWidthConst(t *testing.T) {
	for _, w := range testWidths {
		if !w.Valid() {
			t.Fatalf("width %d should be valid\n", w)
		}
		m := w.Mask()
		md := w.MaxDiff()
		if md == 0 || (md&(md-1) != 0) {
			t.Fatalf("wrong MaxDiff 0x%x for w %d, should be 2^k\n", md, w)
		}
		if (m+1)&m != 0 || (md-1)&m != (md-1) || md&m != md {
			t.Fatalf("wrong Mask 0x%x for w %d\n", m, w)
		}
	}
	if Width(7).Valid() || Width(65).Valid() {
		t.Fatalf("out of range widths reported as valid\n")
	}
}

func tstOp(t *testing.T, p string, w Width, v1, v2 uint64) {
	mask := w.Mask()
	t1 := w.Val(v1)
	t2 := w.Val(v2)

	if !((t1 == v1) == (v1 <= mask)) {
		t.Errorf(p+"Val for 0x%x (w %d mask 0x%x) => 0x%x failed\n",
			v1, w, mask, t1)
	}
	if w.Add(t1, t2) != (v1+v2)&mask {
		t.Errorf(p+"Add for 0x%x <> 0x%x failed w %d\n", v1, v2, w)
	}
	if w.Sub(t1, t2) != (v1-v2)&mask {
		t.Errorf(p+"Sub for 0x%x <> 0x%x failed w %d\n", v1, v2, w)
	}
}

func TestWidthOps(t *testing.T) {
	const iterations = 20000
	for _, w := range testWidths {
		md := w.MaxDiff()
		tstOp(t, "", w, 1, 2)
		tstOp(t, "", w, 4, 3)
		tstOp(t, "", w, md-1, 1)
		tstOp(t, "", w, 1, md-1)
		tstOp(t, "", w, md, 0)
		tstOp(t, "", w, md+1, md+2)
		tstOp(t, "", w, w.Mask(), 0)

		for i := 0; i < iterations; i++ {
			v1 := w.Val(rand.Uint64())
			diff := uint64(rand.Int63()) & (md - 1)
			tstOp(t, "rand+: ", w, v1, v1+diff)
			tstOp(t, "rand-: ", w, v1, v1-diff)
		}
	}
}

// a counter crossing 0 between two snapshots must still give the small
// positive elapsed value.
func TestWidthWrapDelta(t *testing.T) {
	for _, w := range [...]Width{16, 32} {
		for i := 0; i < 1000; i++ {
			delta := uint64(rand.Int63n(int64(w.MaxDiff())))
			old := w.Val(w.Mask() - uint64(rand.Int63n(int64(delta)+1)))
			now := w.Add(old, delta)
			if w.Sub(now, old) != delta {
				t.Fatalf("w %d: wrong delta for old 0x%x now 0x%x:"+
					" 0x%x, expected 0x%x\n",
					w, old, now, w.Sub(now, old), delta)
			}
		}
	}
	var w16 Width = 16
	if d := w16.Sub(5, 0xfffe); d != 7 {
		t.Errorf("16 bit wrap: expected 7, got %d\n", d)
	}
	var w32 Width = 32
	if d := w32.Sub(2, 0xfffffff0); d != 0x12 {
		t.Errorf("32 bit wrap: expected 0x12, got 0x%x\n", d)
	}
}

func TestDurationToTicks(t *testing.T) {
	tests := []struct {
		d     time.Duration
		freq  uint64
		ticks uint64
		ok    bool
	}{
		{0, 32000, 0, true},
		{time.Millisecond, 32000, 32, true},
		{time.Millisecond, 1000000, 1000, true},
		{time.Millisecond, 32768, 33, true}, // 32.768 rounded up
		{time.Second, 32768, 32768, true},
		{time.Nanosecond, 1000, 1, true},
		{-time.Millisecond, 1000, 0, false},
		{time.Duration(1<<63 - 1), 1 << 40, 0, false},
	}
	for _, tc := range tests {
		ticks, ok := DurationToTicks(tc.d, tc.freq)
		if ticks != tc.ticks || ok != tc.ok {
			t.Errorf("DurationToTicks(%s, %d) = %d, %v expected %d, %v\n",
				tc.d, tc.freq, ticks, ok, tc.ticks, tc.ok)
		}
	}
	for i := 0; i < 10000; i++ {
		d := time.Duration(rand.Int63n(int64(time.Hour)))
		freq := uint64(rand.Int63n(100000000) + 1)
		ticks, ok := DurationToTicks(d, freq)
		if !ok {
			t.Fatalf("DurationToTicks(%s, %d) failed\n", d, freq)
		}
		// never too early
		if TicksToDuration(ticks, freq) < d {
			t.Errorf("DurationToTicks(%s, %d) = %d too short\n",
				d, freq, ticks)
		}
		if ticks > 0 && TicksToDuration(ticks-1, freq) >= d {
			t.Errorf("DurationToTicks(%s, %d) = %d not minimal\n",
				d, freq, ticks)
		}
	}
}

func TestLCM(t *testing.T) {
	if v, ok := lcm(32000, 32768); !ok || v != 4096000 {
		t.Errorf("lcm(32000, 32768) = %d, %v\n", v, ok)
	}
	if v, ok := lcm(4096000, 1000000); !ok || v != 512000000 {
		t.Errorf("lcm(4096000, 1000000) = %d, %v\n", v, ok)
	}
	if v, ok := lcm(1<<62, 3); !ok || v != 3<<62 {
		t.Errorf("lcm(1<<62, 3) = %d, %v\n", v, ok)
	}
	if _, ok := lcm(1<<63, 3); ok {
		t.Errorf("lcm overflow not detected\n")
	}
}
