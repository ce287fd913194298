package client

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-stride/internal/model"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

// ErrSchema is returned when a record does not match the expected layout.
var ErrSchema = errors.New("client: unexpected record schema")

// Column and metadata names of the wire format.
const (
	ColumnTokens     = "tokens"
	ColumnLogits     = "logits"
	ColumnPresent    = "present"
	ColumnSeq        = "seq"
	ColumnPresentSeq = "present_seq"

	metaVocab   = "n_vocab"
	metaLayers  = "n_layer"
	metaHeads   = "n_head"
	metaHeadDim = "head_dim"
)

// TokenSchema is the request layout: one row per sequence.
var TokenSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColumnTokens, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	},
	nil,
)

// OutputSchema returns the response layout for a model configuration. Each
// row is one sequence; logits and present are flattened row-major and
// their dims are recovered from the seq columns and schema metadata.
func OutputSchema(cfg model.Config) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaVocab, metaLayers, metaHeads, metaHeadDim},
		[]string{
			strconv.Itoa(cfg.VocabSize),
			strconv.Itoa(cfg.NumLayers),
			strconv.Itoa(cfg.NumHeads),
			strconv.Itoa(cfg.HeadDim()),
		},
	)
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColumnLogits, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
			{Name: ColumnPresent, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
			{Name: ColumnSeq, Type: arrow.PrimitiveTypes.Int32},
			{Name: ColumnPresentSeq, Type: arrow.PrimitiveTypes.Int32},
		},
		&md,
	)
}

// RecordBatchBuilder creates Arrow RecordBatches from token batches and
// forward results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildTokens converts token sequences into a RecordBatch of TokenSchema.
func (b *RecordBatchBuilder) BuildTokens(tokens [][]int) (arrow.RecordBatch, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Int32Builder)

	for _, row := range tokens {
		listBuilder.Append(true)
		for _, id := range row {
			valueBuilder.Append(int32(id))
		}
	}

	cols := []arrow.Array{listBuilder.NewArray()}
	defer cols[0].Release()

	return array.NewRecordBatch(TokenSchema, cols, int64(len(tokens))), nil
}

// BuildOutput converts a forward result into a RecordBatch of OutputSchema(cfg).
func (b *RecordBatchBuilder) BuildOutput(cfg model.Config, out *model.Output) (arrow.RecordBatch, error) {
	ls, ps := out.Logits.Shape(), out.Present.Shape()
	if len(ls) != 3 || len(ps) != 6 || ls[0] != ps[0] || ls[2] != cfg.VocabSize {
		return nil, fmt.Errorf("%w: logits %v, present %v", ErrSchema, ls, ps)
	}
	batch, seq, presentSeq := ls[0], ls[1], ps[4]

	logits := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer logits.Release()
	present := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer present.Release()
	seqs := array.NewInt32Builder(b.mem)
	defer seqs.Release()
	presentSeqs := array.NewInt32Builder(b.mem)
	defer presentSeqs.Release()

	logitValues := logits.ValueBuilder().(*array.Float32Builder)
	presentValues := present.ValueBuilder().(*array.Float32Builder)
	lRow := out.Logits.Size() / batch
	pRow := out.Present.Size() / batch
	for i := 0; i < batch; i++ {
		logits.Append(true)
		logitValues.AppendValues(out.Logits.Data()[i*lRow:(i+1)*lRow], nil)
		present.Append(true)
		presentValues.AppendValues(out.Present.Data()[i*pRow:(i+1)*pRow], nil)
		seqs.Append(int32(seq))
		presentSeqs.Append(int32(presentSeq))
	}

	cols := []arrow.Array{logits.NewArray(), present.NewArray(), seqs.NewArray(), presentSeqs.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(OutputSchema(cfg), cols, int64(batch)), nil
}

// DecodeTokens reads token sequences from a TokenSchema record.
func DecodeTokens(rec arrow.RecordBatch) ([][]int, error) {
	idx := rec.Schema().FieldIndices(ColumnTokens)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: missing %q column", ErrSchema, ColumnTokens)
	}
	list, ok := rec.Column(idx[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrSchema, ColumnTokens, rec.Column(idx[0]).DataType())
	}
	values, ok := list.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("%w: %q values are %s", ErrSchema, ColumnTokens, list.ListValues().DataType())
	}

	ids := values.Int32Values()
	out := make([][]int, list.Len())
	for i := range out {
		start, end := list.ValueOffsets(i)
		row := make([]int, 0, end-start)
		for _, v := range ids[start:end] {
			row = append(row, int(v))
		}
		out[i] = row
	}
	return out, nil
}

// DecodeOutput rebuilds a forward result from an OutputSchema record.
func DecodeOutput(rec arrow.RecordBatch) (*model.Output, error) {
	schema := rec.Schema()
	if schema.NumFields() != 4 {
		return nil, fmt.Errorf("%w: have %d columns", ErrSchema, schema.NumFields())
	}
	dims := make(map[string]int, 4)
	for _, key := range []string{metaVocab, metaLayers, metaHeads, metaHeadDim} {
		v, ok := schema.Metadata().GetValue(key)
		if !ok {
			return nil, fmt.Errorf("%w: missing %q metadata", ErrSchema, key)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q metadata: %w", ErrSchema, key, err)
		}
		dims[key] = n
	}

	logits, ok1 := rec.Column(0).(*array.List)
	present, ok2 := rec.Column(1).(*array.List)
	seqs, ok3 := rec.Column(2).(*array.Int32)
	presentSeqs, ok4 := rec.Column(3).(*array.Int32)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: column types", ErrSchema)
	}
	batch := int(rec.NumRows())
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrSchema)
	}
	seq, presentSeq := int(seqs.Value(0)), int(presentSeqs.Value(0))

	lt, err := gatherRows(logits, batch, seq, dims[metaVocab])
	if err != nil {
		return nil, err
	}
	pt, err := gatherRows(present, batch, dims[metaLayers], 2, dims[metaHeads], presentSeq, dims[metaHeadDim])
	if err != nil {
		return nil, err
	}
	return &model.Output{Logits: lt, Present: pt}, nil
}

func gatherRows(list *array.List, batch int, rowShape ...int) (*tensor.Tensor, error) {
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: list values are %s", ErrSchema, list.ListValues().DataType())
	}
	if err := tensor.CheckDims(rowShape); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	data := values.Float32Values()
	flat := make([]float32, 0, len(data))
	for i := 0; i < batch; i++ {
		start, end := list.ValueOffsets(i)
		flat = append(flat, data[start:end]...)
	}
	t, err := tensor.FromSlice(flat, append([]int{batch}, rowShape...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return t, nil
}
