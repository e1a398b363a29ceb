package model

import (
	"context"
	"fmt"
	"strings"
)

type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

// Class names as they appear in the metadata file and in responses.
const (
	ClassUninfected  = "uninfected"
	ClassParasitized = "parasitized"
)

var DefaultClasses = []string{ClassUninfected, ClassParasitized}

// Metadata is the optional sidecar file next to the model. Anything left
// empty is introspected from the ONNX graph.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Layout      Layout   `json:"layout"`
	Classes     []string `json:"classes"`
}

// InputSpec describes the image tensor the model accepts.
type InputSpec struct {
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
	Layout   Layout `json:"layout"`
}

func (s InputSpec) Shape() []int64 {
	if s.Layout == LayoutNCHW {
		return []int64{1, int64(s.Channels), int64(s.Height), int64(s.Width)}
	}
	return []int64{1, int64(s.Height), int64(s.Width), int64(s.Channels)}
}

func (s InputSpec) Size() int {
	return s.Height * s.Width * s.Channels
}

// Tensor is a single-item float32 batch.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Predictor is the inference surface the HTTP layer depends on.
type Predictor interface {
	Input() InputSpec
	OutputUnits() int
	Classes() []string
	Infer(ctx context.Context, t Tensor) ([]float32, error)
}

// ParseInputSpec derives height, width and layout from a rank-4 input shape.
// A dynamic batch dimension (-1 or 0) is accepted; spatial dimensions must be
// fixed.
func ParseInputSpec(shape []int64, layout Layout) (InputSpec, error) {
	if len(shape) != 4 {
		return InputSpec{}, fmt.Errorf("input shape %v: expected rank 4", shape)
	}
	if shape[0] > 1 {
		return InputSpec{}, fmt.Errorf("input shape %v: batch dimension must be 1 or dynamic", shape)
	}

	layout = Layout(strings.ToLower(string(layout)))
	if layout == "" {
		switch {
		case shape[3] == 3:
			layout = LayoutNHWC
		case shape[1] == 3:
			layout = LayoutNCHW
		default:
			return InputSpec{}, fmt.Errorf("input shape %v: cannot find a 3-channel axis", shape)
		}
	}

	var spec InputSpec
	switch layout {
	case LayoutNHWC:
		spec = InputSpec{Height: int(shape[1]), Width: int(shape[2]), Channels: int(shape[3]), Layout: LayoutNHWC}
	case LayoutNCHW:
		spec = InputSpec{Height: int(shape[2]), Width: int(shape[3]), Channels: int(shape[1]), Layout: LayoutNCHW}
	default:
		return InputSpec{}, fmt.Errorf("unknown layout %q", layout)
	}

	if spec.Height <= 0 || spec.Width <= 0 {
		return InputSpec{}, fmt.Errorf("input shape %v: spatial dimensions must be fixed", shape)
	}
	if spec.Channels != 3 {
		return InputSpec{}, fmt.Errorf("input shape %v: expected 3 channels, got %d", shape, spec.Channels)
	}
	return spec, nil
}

// ParseOutputUnits returns the size of the last axis of a [batch, units]
// output shape. Only sigmoid (1) and two-class softmax (2) heads are served.
func ParseOutputUnits(shape []int64) (int, error) {
	if len(shape) != 2 {
		return 0, fmt.Errorf("output shape %v: expected rank 2", shape)
	}
	units := int(shape[1])
	if units != 1 && units != 2 {
		return 0, fmt.Errorf("output shape %v: expected 1 or 2 units", shape)
	}
	return units, nil
}
