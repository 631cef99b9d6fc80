package tensor

import "fmt"

// Layout is the axis-ordering convention used to linearize a tensor into flat storage.
type Layout int

const (
	BSHD Layout = iota
	BHDS
	SBHD
	BCTHW
	BTHWC
)

func (l Layout) String() string {
	switch l {
	case BSHD:
		return "BSHD"
	case BHDS:
		return "BHDS"
	case SBHD:
		return "SBHD"
	case BCTHW:
		return "BCTHW"
	case BTHWC:
		return "BTHWC"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Is5D reports whether the layout addresses batch/channel/time/height/width.
func (l Layout) Is5D() bool {
	return l == BCTHW || l == BTHWC
}

// Rank is the number of axes a layout addresses.
func (l Layout) Rank() int {
	if l.Is5D() {
		return 5
	}
	return 4
}

func (l Layout) valid() bool {
	return l >= BSHD && l <= BTHWC
}

// Axis names a logical tensor axis.
type Axis int

const (
	AxisBatch Axis = iota
	AxisHead
	AxisSequence
	AxisDimension
	AxisChannel
	AxisTime
	AxisHeight
	AxisWidth
	// AxisTHW groups time, height and width for TransShape.
	AxisTHW
	// AxisDHD aggregates sub-tensors packed as [head][sub][dim] along dimension.
	AxisDHD
	// AxisHD aggregates sub-tensors packed as [sub][head][dim] along dimension.
	AxisHD
)

var axisNames = [...]string{"BATCH", "HEAD", "SEQUENCE", "DIMENSION", "CHANNEL", "TIME", "HEIGHT", "WIDTH", "THW", "D_HD", "HD"}

func (a Axis) String() string {
	if a >= 0 && int(a) < len(axisNames) {
		return axisNames[a]
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// positions maps layout -> axis -> index into the physical shape; -1 when absent.
var positions = [5][8]int{
	BSHD:  {AxisBatch: 0, AxisHead: 2, AxisSequence: 1, AxisDimension: 3, AxisChannel: -1, AxisTime: -1, AxisHeight: -1, AxisWidth: -1},
	BHDS:  {AxisBatch: 0, AxisHead: 1, AxisSequence: 3, AxisDimension: 2, AxisChannel: -1, AxisTime: -1, AxisHeight: -1, AxisWidth: -1},
	SBHD:  {AxisBatch: 1, AxisHead: 2, AxisSequence: 0, AxisDimension: 3, AxisChannel: -1, AxisTime: -1, AxisHeight: -1, AxisWidth: -1},
	BCTHW: {AxisBatch: 0, AxisHead: -1, AxisSequence: -1, AxisDimension: -1, AxisChannel: 1, AxisTime: 2, AxisHeight: 3, AxisWidth: 4},
	BTHWC: {AxisBatch: 0, AxisHead: -1, AxisSequence: -1, AxisDimension: -1, AxisChannel: 4, AxisTime: 1, AxisHeight: 2, AxisWidth: 3},
}

// Position returns where axis a lives in the physical shape of layout l.
func (l Layout) Position(a Axis) (int, error) {
	if !l.valid() || a < AxisBatch || a > AxisWidth {
		return 0, fmt.Errorf("%w: axis %s in %s", ErrUnsupportedLayout, a, l)
	}
	p := positions[l][a]
	if p < 0 {
		return 0, fmt.Errorf("%w: axis %s in %s", ErrUnsupportedLayout, a, l)
	}
	return p, nil
}

func offset4(l Layout, B, H, S, D, b, h, s, d int) int {
	switch l {
	case BSHD:
		return ((b*S+s)*H+h)*D + d
	case BHDS:
		return ((b*H+h)*D+d)*S + s
	case SBHD:
		return ((s*B+b)*H+h)*D + d
	}
	panic(fmt.Errorf("%w: no 4-D offset for %s", ErrUnsupportedLayout, l))
}

func offset5(l Layout, B, C, T, H, W, b, c, t, h, w int) int {
	switch l {
	case BCTHW:
		return (((b*C+c)*T+t)*H+h)*W + w
	case BTHWC:
		return (((b*T+t)*H+h)*W+w)*C + c
	}
	panic(fmt.Errorf("%w: no 5-D offset for %s", ErrUnsupportedLayout, l))
}
