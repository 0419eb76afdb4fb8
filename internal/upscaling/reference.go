package upscaling

import (
	"context"

	"mediaenhancer/internal/frames"
)

// referenceModel upscales by pixel replication. It needs no runtime or weights and always produces
// identical output for identical input.
type referenceModel struct {
	device Device
}

func newReferenceModel(dev Device) *referenceModel {
	return &referenceModel{device: dev}
}

func (m *referenceModel) Name() string   { return "nearest_x4" }
func (m *referenceModel) Device() Device { return m.device }
func (m *referenceModel) Release() error { return nil }

func (m *referenceModel) Enhance(ctx context.Context, frame frames.Frame) (frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frames.Frame{}, err
	}
	if err := checkInput(frame); err != nil {
		return frames.Frame{}, err
	}

	out := frames.NewFrame(frame.Index, frame.Width*Scale, frame.Height*Scale)
	rowBytes := out.Width * frames.Channels
	for y := 0; y < frame.Height; y++ {
		row := out.Pix[y*Scale*rowBytes : (y*Scale+1)*rowBytes]
		for x := 0; x < frame.Width; x++ {
			src := frame.Pix[(y*frame.Width+x)*frames.Channels : (y*frame.Width+x+1)*frames.Channels]
			for k := 0; k < Scale; k++ {
				copy(row[(x*Scale+k)*frames.Channels:], src)
			}
		}
		for k := 1; k < Scale; k++ {
			copy(out.Pix[(y*Scale+k)*rowBytes:], row)
		}
	}
	return out, nil
}
