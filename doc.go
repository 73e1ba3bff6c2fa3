// Package camrec composites filtered camera frames into a display surface
// and, while recording, into the input surface of an H.264 encoder, and
// muxes the result with AAC microphone audio into fragmented MP4.
//
// # Architecture
//
//	Camera -> FrameSlot -> Compositor -> display surface
//	                                  \-> EncoderTarget -> H.264 -> Muxer
//	Microphone -> audio capture task -> AAC -------------------/
//
// All GPU work runs on a RenderThread. A Session owns one recording: the
// encoders, the muxer, the encoder render target and the capture task. The
// muxer starts once every expected track has reported its format; samples
// produced before that are dropped.
//
// SoftGPU is a software implementation of the GPU interface with
// GL-like semantics (share groups, one current binding, bottom-up
// framebuffers) used by the recorder and the tests.
//
// # Native Libraries
//
// The x264/OpenH264 and fdk-aac encoders are loaded with purego from
// libmedia_h264 and libmedia_aac. Set CAMREC_LIB_PATH to the directory
// containing them, or MEDIA_H264_LIB_PATH and MEDIA_AAC_LIB_PATH to the
// library files. Without them, register a host encoder with
// RegisterVideoEncoder and RegisterAudioEncoder.
//
// # Previews
//
// Encoded samples can be fanned out to SampleTaps: RTP over UDP, RTMP
// publishing and a WebRTC track.
package camrec
