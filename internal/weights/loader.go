// Package weights reads and writes parameter checkpoints.
//
// A checkpoint is an Arrow IPC stream with one row per parameter:
// path (utf8), shape (list<int32>) and values (list<float32>). The
// store's element type is recorded in the schema metadata under "dtype".
package weights

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

// ErrFormat is returned for streams that are not parameter checkpoints.
var ErrFormat = errors.New("weights: not a parameter checkpoint")

const dtypeKey = "dtype"

var fields = []arrow.Field{
	{Name: "path", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}

// Loader moves parameters between a store and checkpoint streams.
type Loader struct {
	Store *params.Store
	mem   memory.Allocator
}

// NewLoader creates a loader for store.
func NewLoader(store *params.Store, mem memory.Allocator) *Loader {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Loader{Store: store, mem: mem}
}

// Save writes every parameter in creation order, one record per parameter.
func (l *Loader) Save(w io.Writer) error {
	md := arrow.NewMetadata([]string{dtypeKey}, []string{l.Store.DataType().String()})
	schema := arrow.NewSchema(fields, &md)

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(l.mem))
	for _, p := range l.Store.Parameters() {
		rec := l.buildRecord(schema, p)
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return fmt.Errorf("write %s: %w", p.Path, err)
		}
	}
	return writer.Close()
}

func (l *Loader) buildRecord(schema *arrow.Schema, p *params.Parameter) arrow.RecordBatch {
	pathBuilder := array.NewStringBuilder(l.mem)
	defer pathBuilder.Release()
	pathBuilder.Append(p.Path)

	shapeBuilder := array.NewListBuilder(l.mem, arrow.PrimitiveTypes.Int32)
	defer shapeBuilder.Release()
	dims := shapeBuilder.ValueBuilder().(*array.Int32Builder)
	shapeBuilder.Append(true)
	for _, d := range p.Value.Shape() {
		dims.Append(int32(d))
	}

	valueBuilder := array.NewListBuilder(l.mem, arrow.PrimitiveTypes.Float32)
	defer valueBuilder.Release()
	values := valueBuilder.ValueBuilder().(*array.Float32Builder)
	valueBuilder.Append(true)
	values.AppendValues(p.Value.Data(), nil)

	cols := []arrow.Array{pathBuilder.NewArray(), shapeBuilder.NewArray(), valueBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(schema, cols, 1)
}

// Load imports every parameter of a checkpoint into the store and returns
// the number imported. Paths already present fail with params.ErrExists.
func (l *Loader) Load(r io.Reader) (int, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(l.mem))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	defer reader.Release()

	schema := reader.Schema()
	if err := checkSchema(schema); err != nil {
		return 0, err
	}
	if dt, ok := schema.Metadata().GetValue(dtypeKey); ok && dt != l.Store.DataType().String() {
		log.Warn().Str("checkpoint", dt).Str("store", l.Store.DataType().String()).Msg("Checkpoint dtype differs from store; values will be rounded")
	}

	n := 0
	for reader.Next() {
		rec := reader.Record()
		paths := rec.Column(0).(*array.String)
		shapes := rec.Column(1).(*array.List)
		values := rec.Column(2).(*array.List)
		dims := shapes.ListValues().(*array.Int32).Int32Values()
		data := values.ListValues().(*array.Float32).Float32Values()

		for i := 0; i < int(rec.NumRows()); i++ {
			path := paths.Value(i)
			ds, de := shapes.ValueOffsets(i)
			vs, ve := values.ValueOffsets(i)

			shape := make([]int, 0, de-ds)
			for _, d := range dims[ds:de] {
				shape = append(shape, int(d))
			}
			if err := tensor.CheckDims(shape); err != nil {
				return n, fmt.Errorf("%w: %s: %w", ErrFormat, path, err)
			}
			buf := make([]float32, ve-vs)
			copy(buf, data[vs:ve])

			t, err := tensor.FromSlice(buf, shape...)
			if err != nil {
				return n, fmt.Errorf("%w: %s: %w", ErrFormat, path, err)
			}
			if err := l.Store.Import(path, t); err != nil {
				return n, err
			}
			n++
		}
	}
	if err := reader.Err(); err != nil {
		return n, fmt.Errorf("read checkpoint: %w", err)
	}
	log.Debug().Int("parameters", n).Msg("Loaded checkpoint")
	return n, nil
}

func checkSchema(schema *arrow.Schema) error {
	if schema.NumFields() != len(fields) {
		return fmt.Errorf("%w: have %d columns, want %d", ErrFormat, schema.NumFields(), len(fields))
	}
	for i, f := range fields {
		got := schema.Field(i)
		if got.Name != f.Name || !arrow.TypeEqual(got.Type, f.Type) {
			return fmt.Errorf("%w: column %d is %s %s, want %s %s", ErrFormat, i, got.Name, got.Type, f.Name, f.Type)
		}
	}
	return nil
}

// SaveFile writes a checkpoint to path.
func (l *Loader) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := l.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a checkpoint from path.
func (l *Loader) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return l.Load(f)
}
