package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-weft/internal/engine"
)

var ErrBadPromptBatch = errors.New("prompt batch needs a tokens list<int32> column")

// GenerationSchema is one row per generated token.
var GenerationSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "request_id", Type: arrow.BinaryTypes.String},
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "token", Type: arrow.PrimitiveTypes.Int32},
		{Name: "logits", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// PromptSchema carries one prompt per row.
var PromptSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	},
	nil,
)

// RecordBatchBuilder creates Arrow record batches from generation steps and prompts.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &RecordBatchBuilder{mem: mem}
}

// BuildGeneration converts steps into a GenerationSchema batch. Logits are omitted
// (null) when withLogits is false. Returns nil for no steps.
func (b *RecordBatchBuilder) BuildGeneration(requestID string, steps []engine.Step, withLogits bool) (arrow.RecordBatch, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	ids := array.NewStringBuilder(b.mem)
	defer ids.Release()
	idx := array.NewInt32Builder(b.mem)
	defer idx.Release()
	tok := array.NewInt32Builder(b.mem)
	defer tok.Release()
	logits := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer logits.Release()
	values := logits.ValueBuilder().(*array.Float32Builder)

	for _, s := range steps {
		ids.Append(requestID)
		idx.Append(int32(s.Index))
		tok.Append(int32(s.Token))
		if withLogits {
			logits.Append(true)
			values.AppendValues(s.Logits, nil)
		} else {
			logits.AppendNull()
		}
	}

	cols := []arrow.Array{ids.NewArray(), idx.NewArray(), tok.NewArray(), logits.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(GenerationSchema, cols, int64(len(steps))), nil
}

// BuildPrompts packs token prompts into a PromptSchema batch.
func (b *RecordBatchBuilder) BuildPrompts(prompts [][]int) (arrow.RecordBatch, error) {
	if len(prompts) == 0 {
		return nil, nil
	}

	list := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer list.Release()
	values := list.ValueBuilder().(*array.Int32Builder)
	for _, p := range prompts {
		list.Append(true)
		for _, t := range p {
			values.Append(int32(t))
		}
	}

	cols := []arrow.Array{list.NewArray()}
	defer cols[0].Release()
	return array.NewRecordBatch(PromptSchema, cols, int64(len(prompts))), nil
}

// Prompts reads the tokens column of a prompt batch. Null rows become empty prompts.
func Prompts(rec arrow.RecordBatch) ([][]int, error) {
	cols := rec.Schema().FieldIndices("tokens")
	if len(cols) == 0 {
		return nil, ErrBadPromptBatch
	}
	list, ok := rec.Column(cols[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrBadPromptBatch, rec.Column(cols[0]).DataType())
	}
	values, ok := list.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("%w: got list<%s>", ErrBadPromptBatch, list.ListValues().DataType())
	}

	out := make([][]int, list.Len())
	for i := range out {
		if list.IsNull(i) {
			continue
		}
		start, end := list.ValueOffsets(i)
		p := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			p = append(p, int(values.Value(int(j))))
		}
		out[i] = p
	}
	return out, nil
}
