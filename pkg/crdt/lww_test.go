package crdt

import "testing"

func TestLWWRegister_Basic(t *testing.T) {
	reg := &LWWRegister{Value: "python", Timestamp: 100, Writer: "a"}

	if !reg.Set("go", 200, "b") {
		t.Fatal("预期更新为 go")
	}
	if reg.Set("rust", 150, "c") {
		t.Fatal("旧时间戳不应覆盖")
	}
	if reg.Value != "go" {
		t.Fatalf("预期值仍为 go, 实际 %s", reg.Value)
	}
}

func TestLWWRegister_TieBreak(t *testing.T) {
	r1 := &LWWRegister{Value: "java", Timestamp: 100, Writer: "alice"}
	r2 := &LWWRegister{Value: "cpp", Timestamp: 100, Writer: "bob"}

	r1.Merge(r2)
	r2.Merge(&LWWRegister{Value: "java", Timestamp: 100, Writer: "alice"})

	if r1.Value != r2.Value || r1.Value != "cpp" {
		t.Fatalf("相同时间戳应按写入者收敛: r1=%s r2=%s", r1.Value, r2.Value)
	}
	if r1.Merge(nil) {
		t.Fatal("合并 nil 不应改变寄存器")
	}
}
