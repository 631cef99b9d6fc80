package graph

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

// TensorInfo describes one registry entry.
type TensorInfo struct {
	Key        string `cbor:"key" json:"key"`
	Shape      []int  `cbor:"shape" json:"shape"`
	Layout     string `cbor:"layout" json:"layout"`
	DType      string `cbor:"dtype" json:"dtype"`
	Status     string `cbor:"status" json:"status"`
	Master     string `cbor:"master,omitempty" json:"master,omitempty"`
	Aggregated bool   `cbor:"aggregated,omitempty" json:"aggregated,omitempty"`
	Bytes      int    `cbor:"bytes" json:"bytes"`
}

// OpInfo describes one created op and the tensors of its last planned call.
type OpInfo struct {
	Name    string   `cbor:"name" json:"name"`
	Type    string   `cbor:"type" json:"type"`
	Loaded  bool     `cbor:"loaded" json:"loaded"`
	Inputs  []string `cbor:"inputs" json:"inputs"`
	Outputs []string `cbor:"outputs" json:"outputs"`
}

type SegmentInfo struct {
	Name     string `cbor:"name" json:"name"`
	Layers   int    `cbor:"layers" json:"layers"`
	Locals   int    `cbor:"locals" json:"locals"`
	Released bool   `cbor:"released" json:"released"`
}

// Snapshot is a debug dump of a Context.
type Snapshot struct {
	Tensors  []TensorInfo  `cbor:"tensors" json:"tensors"`
	Ops      []OpInfo      `cbor:"ops" json:"ops"`
	Segments []SegmentInfo `cbor:"segments" json:"segments"`
}

func (g *Context) Snapshot() Snapshot {
	var s Snapshot
	for _, k := range g.Keys() {
		t, _ := g.Lookup(k)
		info := TensorInfo{
			Key:        k.String(),
			Shape:      t.Shape(),
			Layout:     t.Layout().String(),
			DType:      t.DType().String(),
			Status:     t.Status().String(),
			Aggregated: t.Aggregated(),
		}
		if t.Owns() {
			info.Bytes = t.Buffer().Bytes()
		}
		if t.IsView() {
			info.Master = g.arena.Get(t.Master()).Name()
		}
		s.Tensors = append(s.Tensors, info)
	}
	for _, l := range g.layers {
		s.Ops = append(s.Ops, OpInfo{
			Name:    l.name,
			Type:    l.param.Type.String(),
			Loaded:  l.loaded,
			Inputs:  g.tensorNames(l.ins),
			Outputs: g.tensorNames(l.outs),
		})
	}
	for _, seg := range g.order {
		s.Segments = append(s.Segments, SegmentInfo{
			Name:     seg.name,
			Layers:   len(seg.layers),
			Locals:   len(seg.locals),
			Released: seg.released,
		})
	}
	return s
}

func (g *Context) tensorNames(ids []tensor.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.arena.Get(id).Name()
	}
	return out
}

// Encode writes s as CBOR.
func (s Snapshot) Encode(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(s)
}

func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// WriteTable renders the tensor registry as a text table.
func (s Snapshot) WriteTable(w io.Writer) {
	data := make([][]string, 0, len(s.Tensors))
	for _, t := range s.Tensors {
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = strconv.Itoa(d)
		}
		data = append(data, []string{t.Key, "[" + strings.Join(dims, " ") + "]", t.Layout, t.DType, t.Status, t.Master, strconv.Itoa(t.Bytes)})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KEY", "SHAPE", "LAYOUT", "DTYPE", "STATUS", "MASTER", "BYTES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
