package frameengine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
)

// Frame is an immutable columnar table backed by a single arrow.Record.
// Supported column types are string, int64 and timestamp.
type Frame struct {
	mem memory.Allocator
	rec arrow.Record
}

func newFrame(mem memory.Allocator, fields []arrow.Field, cols []arrow.Array, rows int) *Frame {
	rec := array.NewRecord(arrow.NewSchema(fields, nil), cols, int64(rows))
	for _, c := range cols {
		c.Release()
	}
	return &Frame{mem: mem, rec: rec}
}

// Empty returns a frame with the given columns and no rows.
func Empty(mem memory.Allocator, fields []arrow.Field) *Frame {
	cols := make([]arrow.Array, len(fields))
	for i, f := range fields {
		b := array.NewBuilder(mem, f.Type)
		cols[i] = b.NewArray()
		b.Release()
	}
	return newFrame(mem, fields, cols, 0)
}

// FromTable flattens the named columns of tbl into one frame. Column types
// must match fields by kind; timestamp units are taken from the table.
func FromTable(mem memory.Allocator, tbl arrow.Table, fields []arrow.Field) (*Frame, error) {
	fields = append([]arrow.Field{}, fields...)
	cols := make([]arrow.Array, 0, len(fields))
	release := func() {
		for _, c := range cols {
			c.Release()
		}
	}
	for i, f := range fields {
		idx := tbl.Schema().FieldIndices(f.Name)
		if len(idx) == 0 {
			release()
			return nil, fmt.Errorf("column %q is missing", f.Name)
		}
		col := tbl.Column(idx[0])
		if col.DataType().ID() != f.Type.ID() {
			release()
			return nil, fmt.Errorf("column %q is %s, want %s", f.Name, col.DataType(), f.Type)
		}
		fields[i].Type = col.DataType()
		chunks := col.Data().Chunks()
		var arr arrow.Array
		switch len(chunks) {
		case 0:
			b := array.NewBuilder(mem, f.Type)
			arr = b.NewArray()
			b.Release()
		case 1:
			chunks[0].Retain()
			arr = chunks[0]
		default:
			merged, err := array.Concatenate(chunks, mem)
			if err != nil {
				release()
				return nil, fmt.Errorf("concatenate %q: %w", f.Name, err)
			}
			arr = merged
		}
		cols = append(cols, arr)
	}
	return newFrame(mem, fields, cols, int(tbl.NumRows())), nil
}

// Concat stacks frames that share a schema.
func Concat(mem memory.Allocator, fields []arrow.Field, frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return Empty(mem, fields), nil
	}
	rows := 0
	for _, f := range frames {
		if !f.rec.Schema().Equal(frames[0].rec.Schema()) {
			return nil, fmt.Errorf("concat: schema mismatch")
		}
		rows += f.Len()
	}
	cols := make([]arrow.Array, len(fields))
	for i := range fields {
		parts := make([]arrow.Array, len(frames))
		for j, f := range frames {
			parts[j] = f.rec.Column(i)
		}
		merged, err := array.Concatenate(parts, mem)
		if err != nil {
			for _, c := range cols[:i] {
				c.Release()
			}
			return nil, fmt.Errorf("concat %q: %w", fields[i].Name, err)
		}
		cols[i] = merged
	}
	return newFrame(mem, fields, cols, rows), nil
}

func (f *Frame) Len() int { return int(f.rec.NumRows()) }

func (f *Frame) Release() { f.rec.Release() }

func (f *Frame) Fields() []arrow.Field { return f.rec.Schema().Fields() }

func (f *Frame) column(name string) arrow.Array {
	idx := f.rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		panic(fmt.Sprintf("frame: no column %q", name))
	}
	return f.rec.Column(idx[0])
}

func (f *Frame) Strings(name string) *array.String {
	return f.column(name).(*array.String)
}

func (f *Frame) Int64s(name string) *array.Int64 {
	return f.column(name).(*array.Int64)
}

func (f *Frame) Timestamps(name string) *array.Timestamp {
	return f.column(name).(*array.Timestamp)
}

// Take returns the rows at idx, in idx order.
func (f *Frame) Take(idx []int) *Frame {
	fields := f.Fields()
	cols := make([]arrow.Array, len(fields))
	for i := range fields {
		cols[i] = take(f.mem, f.rec.Column(i), idx)
	}
	return newFrame(f.mem, fields, cols, len(idx))
}

// Filter keeps the rows for which keep returns true.
func (f *Frame) Filter(keep func(row int) bool) *Frame {
	idx := make([]int, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	return f.Take(idx)
}

// WithColumn appends a column. The frame takes ownership of arr.
func (f *Frame) WithColumn(field arrow.Field, arr arrow.Array) *Frame {
	fields := append(append([]arrow.Field{}, f.Fields()...), field)
	cols := make([]arrow.Array, 0, len(fields))
	for i := 0; i < int(f.rec.NumCols()); i++ {
		c := f.rec.Column(i)
		c.Retain()
		cols = append(cols, c)
	}
	cols = append(cols, arr)
	return newFrame(f.mem, fields, cols, f.Len())
}

// Head returns at most the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n > f.Len() {
		n = f.Len()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return f.Take(idx)
}

// InnerJoin matches every row of f with the rows of right sharing the key.
// Output rows follow f's order, then right's. The right key column is dropped.
func (f *Frame) InnerJoin(right *Frame, leftKey, rightKey string) *Frame {
	index := make(map[string][]int, right.Len())
	rk := right.Strings(rightKey)
	for i := 0; i < rk.Len(); i++ {
		if rk.IsNull(i) {
			continue
		}
		index[rk.Value(i)] = append(index[rk.Value(i)], i)
	}

	lk := f.Strings(leftKey)
	var leftIdx, rightIdx []int
	for i := 0; i < lk.Len(); i++ {
		if lk.IsNull(i) {
			continue
		}
		for _, j := range index[lk.Value(i)] {
			leftIdx = append(leftIdx, i)
			rightIdx = append(rightIdx, j)
		}
	}

	fields := append([]arrow.Field{}, f.Fields()...)
	cols := make([]arrow.Array, 0, len(fields)+len(right.Fields()))
	for i := range fields {
		cols = append(cols, take(f.mem, f.rec.Column(i), leftIdx))
	}
	for i, field := range right.Fields() {
		if field.Name == rightKey {
			continue
		}
		fields = append(fields, field)
		cols = append(cols, take(f.mem, right.rec.Column(i), rightIdx))
	}
	return newFrame(f.mem, fields, cols, len(leftIdx))
}

type SortKey struct {
	Column string
	Desc   bool
}

func Asc(column string) SortKey  { return SortKey{Column: column} }
func Desc(column string) SortKey { return SortKey{Column: column, Desc: true} }

// Sort orders rows by keys; strings compare bytewise. Equal rows keep their order.
func (f *Frame) Sort(keys ...SortKey) *Frame {
	cmps := make([]func(a, b int) int, len(keys))
	for k, key := range keys {
		cmp := compareRows(f.column(key.Column))
		if key.Desc {
			cmps[k] = func(a, b int) int { return -cmp(a, b) }
		} else {
			cmps[k] = cmp
		}
	}
	idx := make([]int, f.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		for _, cmp := range cmps {
			if c := cmp(idx[x], idx[y]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return f.Take(idx)
}

type aggKind int

const (
	aggCount aggKind = iota
	aggSum
	aggCountDistinct
	aggMax
)

// Agg is one aggregate output column of a group-by.
type Agg struct {
	kind   aggKind
	column string
	as     string
}

func Count(as string) Agg                 { return Agg{kind: aggCount, as: as} }
func Sum(column, as string) Agg           { return Agg{kind: aggSum, column: column, as: as} }
func CountDistinct(column, as string) Agg { return Agg{kind: aggCountDistinct, column: column, as: as} }
func Max(column, as string) Agg           { return Agg{kind: aggMax, column: column, as: as} }

// Grouped is a frame partitioned by key columns, in first-seen group order.
type Grouped struct {
	frame  *Frame
	keys   []string
	firsts []int
	groups []int
}

func (f *Frame) GroupBy(keys ...string) *Grouped {
	encoders := make([]func(int) string, len(keys))
	for k, key := range keys {
		encoders[k] = encodeRow(f.column(key))
	}

	g := &Grouped{frame: f, keys: keys, groups: make([]int, f.Len())}
	seen := make(map[string]int)
	var sb strings.Builder
	for i := 0; i < f.Len(); i++ {
		sb.Reset()
		for _, enc := range encoders {
			sb.WriteString(enc(i))
			sb.WriteByte(0x1f)
		}
		id, ok := seen[sb.String()]
		if !ok {
			id = len(g.firsts)
			seen[sb.String()] = id
			g.firsts = append(g.firsts, i)
		}
		g.groups[i] = id
	}
	return g
}

// Agg returns one row per group holding the key columns and the aggregates.
func (g *Grouped) Agg(aggs ...Agg) *Frame {
	f, n := g.frame, len(g.firsts)
	fields := make([]arrow.Field, 0, len(g.keys)+len(aggs))
	cols := make([]arrow.Array, 0, len(g.keys)+len(aggs))
	for _, key := range g.keys {
		fields = append(fields, f.rec.Schema().Field(f.rec.Schema().FieldIndices(key)[0]))
		cols = append(cols, take(f.mem, f.column(key), g.firsts))
	}

	for _, agg := range aggs {
		values := make([]int64, n)
		switch agg.kind {
		case aggCount:
			for _, grp := range g.groups {
				values[grp]++
			}
		case aggSum:
			src := f.Int64s(agg.column)
			for i, grp := range g.groups {
				if src.IsValid(i) {
					values[grp] += src.Value(i)
				}
			}
		case aggCountDistinct:
			src := f.Strings(agg.column)
			distinct := make([]map[string]struct{}, n)
			for i, grp := range g.groups {
				if src.IsNull(i) {
					continue
				}
				if distinct[grp] == nil {
					distinct[grp] = make(map[string]struct{})
				}
				distinct[grp][src.Value(i)] = struct{}{}
			}
			for grp, set := range distinct {
				values[grp] = int64(len(set))
			}
		case aggMax:
			src := f.Timestamps(agg.column)
			seen := make([]bool, n)
			for i, grp := range g.groups {
				if src.IsNull(i) {
					continue
				}
				v := warehouse.TimestampMicros(src, i)
				if !seen[grp] || v > values[grp] {
					values[grp], seen[grp] = v, true
				}
			}
			b := array.NewTimestampBuilder(f.mem, arrow.FixedWidthTypes.Timestamp_us.(*arrow.TimestampType))
			for grp, v := range values {
				if seen[grp] {
					b.Append(arrow.Timestamp(v))
				} else {
					b.AppendNull()
				}
			}
			fields = append(fields, arrow.Field{Name: agg.as, Type: arrow.FixedWidthTypes.Timestamp_us, Nullable: true})
			cols = append(cols, b.NewArray())
			b.Release()
			continue
		}
		b := array.NewInt64Builder(f.mem)
		b.AppendValues(values, nil)
		fields = append(fields, arrow.Field{Name: agg.as, Type: arrow.PrimitiveTypes.Int64})
		cols = append(cols, b.NewArray())
		b.Release()
	}
	return newFrame(f.mem, fields, cols, n)
}

func take(mem memory.Allocator, arr arrow.Array, idx []int) arrow.Array {
	switch a := arr.(type) {
	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Reserve(len(idx))
		for _, i := range idx {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray()
	case *array.Int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.Reserve(len(idx))
		for _, i := range idx {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray()
	case *array.Timestamp:
		b := array.NewTimestampBuilder(mem, a.DataType().(*arrow.TimestampType))
		defer b.Release()
		b.Reserve(len(idx))
		for _, i := range idx {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray()
	default:
		panic(fmt.Sprintf("frame: unsupported column type %s", arr.DataType()))
	}
}

func compareRows(arr arrow.Array) func(a, b int) int {
	nulls := func(a, b int) (int, bool) {
		switch an, bn := arr.IsNull(a), arr.IsNull(b); {
		case an && bn:
			return 0, true
		case an:
			return -1, true
		case bn:
			return 1, true
		}
		return 0, false
	}
	switch col := arr.(type) {
	case *array.String:
		return func(a, b int) int {
			if c, ok := nulls(a, b); ok {
				return c
			}
			return strings.Compare(col.Value(a), col.Value(b))
		}
	case *array.Int64:
		return func(a, b int) int {
			if c, ok := nulls(a, b); ok {
				return c
			}
			return compareInt64(col.Value(a), col.Value(b))
		}
	case *array.Timestamp:
		return func(a, b int) int {
			if c, ok := nulls(a, b); ok {
				return c
			}
			return compareInt64(warehouse.TimestampMicros(col, a), warehouse.TimestampMicros(col, b))
		}
	default:
		panic(fmt.Sprintf("frame: cannot sort %s", arr.DataType()))
	}
}

func encodeRow(arr arrow.Array) func(int) string {
	switch col := arr.(type) {
	case *array.String:
		return func(i int) string {
			if col.IsNull(i) {
				return "\x00"
			}
			return "s" + col.Value(i)
		}
	case *array.Int64:
		return func(i int) string {
			if col.IsNull(i) {
				return "\x00"
			}
			return strconv.FormatInt(col.Value(i), 10)
		}
	case *array.Timestamp:
		return func(i int) string {
			if col.IsNull(i) {
				return "\x00"
			}
			return strconv.FormatInt(int64(col.Value(i)), 10)
		}
	default:
		panic(fmt.Sprintf("frame: cannot group by %s", arr.DataType()))
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
