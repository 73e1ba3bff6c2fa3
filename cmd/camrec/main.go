package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesyncim/camrec"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "camrec",
	Short: "Camera compositor and recorder",
	Long:  `camrec composites camera frames with a text overlay, previews them and records H.264/AAC to fragmented MP4.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("camrec %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildDate)
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List quality presets and encoder providers",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Video presets:")
		for q := camrec.VideoQualityLow; q <= camrec.VideoQualityUltra; q++ {
			p := camrec.VideoPresetFor(q)
			fmt.Fprintf(out, "  %-7s %5d kbps  %2d fps  I-frame every %ds\n", q, p.BitrateBps/1000, p.FrameRate, p.IFrameIntervalSec)
		}
		fmt.Fprintln(out, "Audio presets:")
		for q := camrec.AudioQualityLow; q <= camrec.AudioQualityUltra; q++ {
			p := camrec.AudioPresetFor(q)
			fmt.Fprintf(out, "  %-7s %5d Hz  %dch  %3d kbps  %d byte buffers\n", q, p.SampleRate, p.Channels, p.BitrateBps/1000, p.BufferSize)
		}
		fmt.Fprintf(out, "H.264 providers: %v\n", camrec.VideoEncoderProviders(camrec.VideoCodecH264))
		fmt.Fprintf(out, "AAC providers: %v\n", camrec.AudioEncoderProviders(camrec.AudioCodecAAC))
		fmt.Fprintf(out, "Cameras: %v\n", camrec.AvailableCameras())
		fmt.Fprintf(out, "Microphones: %v\n", camrec.AvailableMicrophones())
	},
}

var recordCmd = &cobra.Command{
	Use:   "record [output.mp4]",
	Short: "Record the synthetic camera to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := camrec.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}

		out := filepath.Join(cfg.OutputDir, time.Now().Format("camrec-20060102-150405.mp4"))
		if len(args) == 1 {
			out = args[0]
		}
		return runRecord(cmd, cfg, out)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(recordCmd)

	f := recordCmd.Flags()
	f.Int("width", 1280, "Camera frame width")
	f.Int("height", 720, "Camera frame height")
	f.Int("rotation", 90, "Camera sensor rotation (0, 90, 180, 270)")
	f.Bool("front", false, "Mirror as a front camera")
	f.String("camera", "pattern", "Camera source")
	f.Duration("duration", 10*time.Second, "Recording length (0 = until interrupted)")
	f.String("overlay", "", "Overlay text")
	f.String("video-quality", "", "Video quality tier")
	f.String("audio-quality", "", "Audio quality tier")
	f.Bool("no-audio", false, "Record video only")
	f.String("rtp", "", "Stream an RTP preview to host:port")
	f.String("rtmp", "", "Publish an RTMP preview to rtmp://host/app/stream")
	f.String("webrtc", "", "Serve a WebRTC preview with HTTP signaling on this address")

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyFlags(cmd *cobra.Command, cfg *camrec.Config) error {
	f := cmd.Flags()
	if f.Changed("overlay") {
		cfg.OverlayText, _ = f.GetString("overlay")
	}
	if f.Changed("video-quality") {
		cfg.VideoQuality, _ = f.GetString("video-quality")
	}
	if f.Changed("audio-quality") {
		cfg.AudioQuality, _ = f.GetString("audio-quality")
	}
	if noAudio, _ := f.GetBool("no-audio"); noAudio {
		cfg.Audio = false
	}
	if f.Changed("rtp") {
		cfg.Preview.RTPAddr, _ = f.GetString("rtp")
	}
	if f.Changed("rtmp") {
		cfg.Preview.RTMPURL, _ = f.GetString("rtmp")
	}
	if f.Changed("webrtc") {
		cfg.Preview.WebRTCAddr, _ = f.GetString("webrtc")
	}
	return cfg.Validate()
}

func runRecord(cmd *cobra.Command, cfg *camrec.Config, out string) error {
	logger, err := camrec.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	videoPreset, audioPreset, err := cfg.Presets()
	if err != nil {
		return err
	}

	var taps []camrec.SampleTap
	if cfg.Preview.RTPAddr != "" {
		tap, err := camrec.NewRTPTap(camrec.RTPTapConfig{Addr: cfg.Preview.RTPAddr, Logger: logger})
		if err != nil {
			return err
		}
		taps = append(taps, tap)
	}
	if cfg.Preview.RTMPURL != "" {
		tap, err := camrec.DialRTMPTap(cfg.Preview.RTMPURL, logger)
		if err != nil {
			logger.Warn("rtmp preview unavailable", zap.Error(err))
		} else {
			taps = append(taps, tap)
		}
	}

	if cfg.Preview.WebRTCAddr != "" {
		tap, err := camrec.NewWebRTCTap("camrec", logger)
		if err != nil {
			return err
		}
		srv, err := serveWebRTC(cfg.Preview.WebRTCAddr, tap, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
		taps = append(taps, tap)
	}

	var mic camrec.MicrophoneFactory
	if cfg.Audio {
		if mic, err = camrec.MicrophoneByName("tone"); err != nil {
			return err
		}
	}

	rec, err := camrec.NewRecorder(camrec.RecorderConfig{
		ViewWidth:     cfg.ViewWidth,
		ViewHeight:    cfg.ViewHeight,
		FPS:           cfg.FPS,
		Video:         videoPreset,
		Audio:         audioPreset,
		NewMicrophone: mic,
		OverlayText:   cfg.OverlayText,
		Taps:          taps,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	f := cmd.Flags()
	width, _ := f.GetInt("width")
	height, _ := f.GetInt("height")
	rotation, _ := f.GetInt("rotation")
	front, _ := f.GetBool("front")
	cameraName, _ := f.GetString("camera")
	duration, _ := f.GetDuration("duration")

	camera, err := camrec.NewCamera(cameraName, camrec.CameraConfig{
		Width:       width,
		Height:      height,
		FPS:         videoPreset.FrameRate,
		Rotation:    rotation,
		FrontFacing: front,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := camera.Start(ctx, rec.UpdateFrame); err != nil {
		return err
	}
	defer camera.Stop()

	renderDone := make(chan error, 1)
	go func() { renderDone <- rec.Run(ctx) }()

	// The recording is rotated upright, so 90/270 sensors record portrait.
	recW, recH := width, height
	if rotation == 90 || rotation == 270 {
		recW, recH = height, width
	}
	if !rec.Start(out, recW, recH) {
		return fmt.Errorf("could not start recording to %s", out)
	}
	logger.Info("recording", zap.String("output", out), zap.Duration("duration", duration))

	<-ctx.Done()

	var (
		ok   bool
		file string
	)
	rec.Stop(func(success bool, f string) { ok, file = success, f })
	<-renderDone

	stats := rec.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "frames=%d video=%d audio=%d dropped=%d\n",
		stats.FramesRendered, stats.VideoSamples, stats.AudioSamples, stats.SamplesDropped)
	if !ok {
		return fmt.Errorf("recording to %s failed", out)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", file)
	return nil
}
