package handlers

import (
	"fmt"

	"github.com/kstaniek/go-camera-server/internal/camera"
	"github.com/kstaniek/go-camera-server/internal/collector"
	"github.com/kstaniek/go-camera-server/internal/logging"
	"github.com/kstaniek/go-camera-server/internal/protocol"
)

const listeningConflictText = "Session is already listening to frames"

// roiParams maps the protocol's image-geometry identifiers onto camera
// features.
var roiParams = map[string]string{
	"img_left":   camera.ParamOffsetX,
	"img_top":    camera.ParamOffsetY,
	"img_width":  camera.ParamWidth,
	"img_height": camera.ParamHeight,
}

// RegisterDefaults installs the standard handler set against ctx.
func RegisterDefaults(r *Registry, ctx *Context) error {
	if ctx.Logger == nil {
		ctx.Logger = logging.L()
	}
	regs := []func() error{
		func() error { return r.RegisterAssignment("fr", ctx.assignFrameRate) },
		func() error { return r.RegisterInquiry("fr", ctx.inquireFrameRate) },
		func() error { return r.RegisterAssignment("isl", ctx.assignSequenceLength) },
		func() error { return r.RegisterInquiry("isl", ctx.inquireSequenceLength) },
		func() error { return r.RegisterAssignment("it", ctx.assignIntegrationTime) },
		func() error { return r.RegisterInquiry("it", ctx.inquireIntegrationTime) },
		func() error { return r.RegisterCommand("gi", ctx.commandGI) },
		func() error { return r.RegisterCommand("gis", ctx.commandGIS) },
		func() error { return r.RegisterCommand("abort", ctx.commandAbort) },
	}
	for ident := range roiParams {
		ident := ident
		regs = append(regs,
			func() error {
				return r.RegisterAssignment(ident, func(clientID string, msg protocol.Assignment) []protocol.OutMessage {
					return ctx.assignROI(clientID, msg)
				})
			},
			func() error {
				return r.RegisterInquiry(ident, func(clientID string, msg protocol.Inquiry) []protocol.OutMessage {
					return ctx.inquireROI(clientID, msg)
				})
			},
		)
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

func one(msg protocol.OutMessage) []protocol.OutMessage { return []protocol.OutMessage{msg} }

func (ctx *Context) session(clientID string) (Session, bool) {
	s, ok := ctx.GetSession(clientID)
	if !ok {
		ctx.Logger.Error("no_session_for_client", "client_id", clientID)
	}
	return s, ok
}

func (ctx *Context) assignFrameRate(clientID string, msg protocol.Assignment) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	if s.Listening() {
		return one(protocol.ErrorFrom(msg, listeningConflictText+". Cannot set a frameRate."))
	}
	fps, ok := msg.Value.AsDouble()
	if !ok {
		return one(protocol.ErrorFrom(msg, "frameRate must be numeric."))
	}
	if fps <= 0 {
		return one(protocol.ErrorFrom(msg, "frameRate must be positive."))
	}
	s.Params().SetFrameRate(fps)
	ctx.Logger.Info("set_frame_rate", "client_id", clientID, "fps", fps)
	return one(protocol.SuccessFrom(msg))
}

func (ctx *Context) inquireFrameRate(clientID string, msg protocol.Inquiry) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	return one(protocol.SuccessFrom(msg, protocol.DoubleValue(s.Params().FrameRate())))
}

func (ctx *Context) assignSequenceLength(clientID string, msg protocol.Assignment) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	if s.Listening() {
		return one(protocol.ErrorFrom(msg, listeningConflictText+". Cannot set a inputSequenceLength."))
	}
	if msg.Value.Kind != protocol.ValueInt {
		return one(protocol.ErrorFrom(msg, "inputSequenceLength must be a positive integer."))
	}
	n := msg.Value.Int
	if n <= 0 {
		return one(protocol.ErrorFrom(msg, "inputSequenceLength must be positive."))
	}
	s.Params().SetSequenceLength(int64(n))
	ctx.Logger.Info("set_sequence_length", "client_id", clientID, "isl", n)
	return one(protocol.SuccessFrom(msg))
}

func (ctx *Context) inquireSequenceLength(clientID string, msg protocol.Inquiry) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	return one(protocol.SuccessFrom(msg, protocol.IntValue(int(s.Params().SequenceLength()))))
}

func (ctx *Context) assignIntegrationTime(clientID string, msg protocol.Assignment) []protocol.OutMessage {
	us, ok := msg.Value.AsDouble()
	if !ok {
		return one(protocol.ErrorFrom(msg, "integration time must be numeric microseconds."))
	}
	if us <= 0 {
		return one(protocol.ErrorFrom(msg, "integration time must be positive."))
	}
	applied, err := ctx.Camera.SetParamRaw(camera.ParamExposureTime, us)
	if err != nil {
		return one(protocol.ErrorFrom(msg, fmt.Sprintf("setting integration time failed: %v", err)))
	}
	appliedUS := 0
	if f, ok := applied.(float64); ok {
		appliedUS = int(f)
	}
	ctx.Logger.Info("set_integration_time", "client_id", clientID, "us", appliedUS)
	// Every client observes the applied value; the sender gets no direct
	// reply beyond the broadcast.
	ctx.Broadcast(protocol.SuccessFrom(msg, protocol.IntValue(appliedUS)), "")
	return nil
}

func (ctx *Context) inquireIntegrationTime(clientID string, msg protocol.Inquiry) []protocol.OutMessage {
	return one(protocol.SuccessFrom(msg, protocol.IntValue(int(ctx.Camera.Exposure().Microseconds()))))
}

func (ctx *Context) assignROI(clientID string, msg protocol.Assignment) []protocol.OutMessage {
	feature := roiParams[msg.Identifier]
	n, ok := msg.Value.AsInt()
	if !ok || msg.Value.Kind == protocol.ValueString {
		return one(protocol.ErrorFrom(msg, msg.Identifier+" must be an integer."))
	}
	applied, err := camera.SetParam(ctx.Camera, feature, n)
	if err != nil {
		return one(protocol.ErrorFrom(msg, fmt.Sprintf("setting %s failed: %v", feature, err)))
	}
	ctx.Logger.Info("set_roi", "client_id", clientID, "feature", feature, "applied", applied)
	ctx.Broadcast(protocol.SuccessFrom(msg, protocol.IntValue(applied)), "")
	return nil
}

func (ctx *Context) inquireROI(clientID string, msg protocol.Inquiry) []protocol.OutMessage {
	feature := roiParams[msg.Identifier]
	v, err := camera.GetParam[int](ctx.Camera, feature)
	if err != nil {
		return one(protocol.ErrorFrom(msg, fmt.Sprintf("reading %s failed: %v", feature, err)))
	}
	return one(protocol.SuccessFrom(msg, protocol.IntValue(v)))
}

func (ctx *Context) commandGI(clientID string, msg protocol.Command) []protocol.OutMessage {
	// A single frame at maximum speed: negative rate flags the immediate
	// path in the collector.
	return ctx.startCapture(clientID, msg, -1, 1, nil)
}

func (ctx *Context) commandGIS(clientID string, msg protocol.Command) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	validate := func() []protocol.OutMessage {
		if s.Params().SequenceLength() <= 0 {
			return one(protocol.ErrorFrom(msg, "Gis inputSequenceLength param is 0, this is not allowed"))
		}
		if s.Params().FrameRate() <= 0 {
			return one(protocol.ErrorFrom(msg, "Gis frameRate param is non-positive, this is not allowed."))
		}
		return nil
	}
	return ctx.startCapture(clientID, msg, s.Params().FrameRate(), s.Params().SequenceLength(), validate)
}

// startCapture is the shared gi/gis path: refuse concurrent streams, start
// the session's listener, then admit the client to the collector.
func (ctx *Context) startCapture(clientID string, msg protocol.Command, fps float64, count int64, validate func() []protocol.OutMessage) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	if s.Listening() {
		ctx.Logger.Warn("capture_refused_listening", "client_id", clientID, "command", msg.Identifier)
		return one(protocol.ErrorFrom(msg, listeningConflictText))
	}
	if validate != nil {
		if errs := validate(); len(errs) > 0 {
			return errs
		}
	}
	q := collector.NewQueue()
	if err := s.StartListener(q, msg); err != nil {
		return one(protocol.ErrorFrom(msg, listeningConflictText))
	}
	if err := ctx.Collector.Register(clientID, fps, q, count); err != nil {
		s.StopListener()
		q.Finish()
		return one(protocol.ErrorFrom(msg, fmt.Sprintf("capture registration failed: %v", err)))
	}
	ctx.Logger.Info("capture_registered", "client_id", clientID, "command", msg.Identifier, "fps", fps, "frames", count)
	return nil
}

func (ctx *Context) commandAbort(clientID string, msg protocol.Command) []protocol.OutMessage {
	s, ok := ctx.session(clientID)
	if !ok {
		return nil
	}
	if !s.Listening() {
		ctx.Logger.Info("abort_ignored_not_listening", "client_id", clientID)
		return nil
	}
	s.StopListener()
	ctx.Collector.Deregister(clientID)
	return one(protocol.SuccessFrom(msg))
}
