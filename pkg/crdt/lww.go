package crdt

// LWWRegister 实现最后写入胜出 (Last-Write-Wins) 寄存器。
// 时间戳相同时按写入者 ID 比较，保证所有副本选出同一个值。
type LWWRegister struct {
	Value     string `msgpack:"v"`
	Timestamp int64  `msgpack:"ts"`
	Writer    string `msgpack:"w"`
}

func (r *LWWRegister) beats(ts int64, writer string) bool {
	if ts != r.Timestamp {
		return ts > r.Timestamp
	}
	return writer > r.Writer
}

// Set 在 (ts, writer) 更新时写入，返回是否生效。
func (r *LWWRegister) Set(value string, ts int64, writer string) bool {
	if !r.beats(ts, writer) {
		return false
	}
	r.Value = value
	r.Timestamp = ts
	r.Writer = writer
	return true
}

// Merge 合并另一个寄存器，返回本地值是否改变。
func (r *LWWRegister) Merge(other *LWWRegister) bool {
	if other == nil {
		return false
	}
	return r.Set(other.Value, other.Timestamp, other.Writer)
}
