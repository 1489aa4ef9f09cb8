package hlc

import (
	"testing"
	"time"
)

func fixedWall(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestHLC_New(t *testing.T) {
	clock := New()
	if clock.Now() == 0 {
		t.Fatal("新时钟的初始时间应大于 0")
	}
}

func TestHLC_Monotonicity(t *testing.T) {
	clock := New(WithWallClock(fixedWall(1000)))
	t1 := clock.Now()
	t2 := clock.Now()

	if t2 <= t1 {
		t.Fatalf("时钟非单调递增: t1=%d, t2=%d", t1, t2)
	}
	if Physical(t1) != 1000 || Physical(t2) != 1000 {
		t.Fatalf("物理时间应保持 1000, got %d %d", Physical(t1), Physical(t2))
	}
	if Logical(t2) != Logical(t1)+1 {
		t.Fatalf("同一毫秒内的逻辑时间应加一: %d -> %d", Logical(t1), Logical(t2))
	}
}

func TestHLC_WallClockGoesBackwards(t *testing.T) {
	now := int64(5000)
	clock := New(WithWallClock(func() time.Time { return time.UnixMilli(now) }))
	t1 := clock.Now()

	now = 4000
	t2 := clock.Now()
	if t2 <= t1 {
		t.Fatalf("物理时间倒退后时钟不应倒退: t1=%d, t2=%d", t1, t2)
	}
}

func TestHLC_Update(t *testing.T) {
	clock := New(WithWallClock(fixedWall(1000)))

	remote := Pack(9000, 3)
	clock.Update(remote)

	now := clock.Now()
	if Physical(now) != 9000 {
		t.Fatalf("时钟未追上远程时间: got %d", Physical(now))
	}
	if now <= remote {
		t.Fatalf("本地时间戳应大于远程: %d <= %d", now, remote)
	}
}

func TestHLC_Causality(t *testing.T) {
	clockA := New()
	tsA := clockA.Now()

	clockB := New()
	clockB.Update(tsA)

	if tsB := clockB.Now(); tsB <= tsA {
		t.Fatalf("违反因果关系: tsB (%d) <= tsA (%d)", tsB, tsA)
	}
}

func TestHLC_Observe(t *testing.T) {
	clock := New(WithWallClock(fixedWall(10)))
	clock.Observe(Pack(20, 7))
	if clock.Latest() != Pack(20, 7) {
		t.Fatalf("Observe 未推进时钟: %d", clock.Latest())
	}

	clock.Observe(Pack(15, 0))
	if clock.Latest() != Pack(20, 7) {
		t.Fatal("Observe 不应让时钟倒退")
	}

	if next := clock.Now(); next != Pack(20, 8) {
		t.Fatalf("Now 应在观察值之后: got p=%d l=%d", Physical(next), Logical(next))
	}
}

func TestLogicalRollover(t *testing.T) {
	clock := New(WithWallClock(fixedWall(100)))
	clock.Observe(Pack(100, 0xFFFF))

	next := clock.Now()
	if Physical(next) != 101 || Logical(next) != 0 {
		t.Fatalf("逻辑计数溢出应借位到物理时间: p=%d l=%d", Physical(next), Logical(next))
	}
}

func TestCompare(t *testing.T) {
	a, b := Pack(1, 2), Pack(1, 3)
	if Compare(a, b) != -1 || Compare(b, a) != 1 || Compare(a, a) != 0 {
		t.Fatal("Compare 结果错误")
	}
}
