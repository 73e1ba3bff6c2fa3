package camrec

import "errors"

// Common errors
var (
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrSessionBusy        = errors.New("recording session busy")
	ErrNotRecording       = errors.New("not recording")
	ErrContextSwitch      = errors.New("render context switch failed")
	ErrEncoderUnavailable = errors.New("encoder not available")
	ErrProviderNotFound   = errors.New("provider not available")
	ErrCodecNotSupported  = errors.New("codec not supported by provider")
	ErrMuxerStarted       = errors.New("muxer already started")
	ErrMuxerNotStarted    = errors.New("muxer not started")
	ErrTrackLimit         = errors.New("muxer track limit reached")
	ErrReleased           = errors.New("resource released")
	ErrRenderThreadClosed = errors.New("render thread closed")
)
