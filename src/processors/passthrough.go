package processors

import (
	"context"

	"github.com/voxmedica/voxmedica/src/frames"
	"github.com/voxmedica/voxmedica/src/logger"
)

// PassthroughProcessor forwards frames unchanged. Useful as a probe point in
// a pipeline during development.
type PassthroughProcessor struct {
	*BaseProcessor
	logFrames bool
}

func NewPassthroughProcessor(name string, logFrames bool) *PassthroughProcessor {
	pp := &PassthroughProcessor{
		logFrames: logFrames,
	}
	pp.BaseProcessor = NewBaseProcessor(name, pp)
	return pp
}

func (p *PassthroughProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.logFrames {
		logger.Debug("[%s] %s frame %s", p.name, direction, frame.Name())
	}
	return p.PushFrame(frame, direction)
}
