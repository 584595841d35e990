package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/api/iterator"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/responder"
	"github.com/zhouzirui/voicebridge/backend/internal/service/speech"
)

var (
	ttsOutput   string
	ttsLanguage string
	asrChunk    int
	asrRealtime bool
)

var ttsCmd = &cobra.Command{
	Use:   "tts [text]",
	Short: "Synthesize text to an audio file",
	Long: `Split text into segments the way the responder does and synthesize
them through the streaming TTS client.

Example:
  bridgetester tts "Hello there. How are you?" -o hello.pcm`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Speech.Enabled {
			return errors.New("speech service not configured, set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
		}

		output := ttsOutput
		if output == "" {
			output = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), cfg.Speech.TTSFormat)
		}
		file, err := os.Create(output)
		if err != nil {
			return err
		}
		defer file.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		seg := responder.NewSegmenter(1, cfg.Responder.MaxSegmentRunes)
		parts := seg.Push(strings.Join(args, " "), 1)
		if last, ok := seg.Flush(agentmodel.BoundaryEnd, true); ok {
			parts = append(parts, last)
		}
		segments := make(chan agentmodel.Segment, len(parts))
		for _, p := range parts {
			segments <- p
		}
		close(segments)

		svc := speech.NewService(cfg.Speech.Model(), cfg.Speech.FrameQueue)
		synth := svc.NewSynthesizer(currentSession(), ttsLanguage)

		sink := &fileSink{w: file, started: time.Now()}
		playback := synth.Speak(ctx, 1, "", segments, sink, speech.Hooks{
			FirstAudio: func(uint64) {
				printField("first audio", time.Since(sink.started).Round(time.Millisecond))
			},
			DisplayText: func(_ uint64, s agentmodel.Segment) {
				fmt.Println(errorStyle.Render("synthesis failed, display only: ") + s.Text)
			},
		})
		<-playback.Done()

		result := playback.Result()
		printField("output", output)
		printField("segments", result.Segments)
		printField("frames", result.Frames)
		printField("bytes", sink.bytes)
		return result.Err
	},
}

type fileSink struct {
	w       io.Writer
	bytes   int
	started time.Time
}

func (s *fileSink) WriteFrame(_ context.Context, frame speechmodel.AudioFrame) error {
	n, err := s.w.Write(frame.Data)
	s.bytes += n
	return err
}

var asrCmd = &cobra.Command{
	Use:   "asr [file.pcm]",
	Short: "Transcribe a raw PCM file",
	Long: `Stream a 16-bit mono PCM file through the transcription adapter and
print partial and final transcripts.

Example:
  bridgetester asr sample-16k.pcm --realtime`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Speech.Enabled {
			return errors.New("speech service not configured, set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
		}

		audio, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		svc := speech.NewService(cfg.Speech.Model(), cfg.Speech.FrameQueue)
		tt := svc.NewTranscriber(currentSession()).BeginTurn(ctx, 1)
		defer tt.Close()

		// 每帧时长按 16-bit 单声道估算，--realtime 时按该节奏发送。
		frameDuration := time.Duration(asrChunk/2) * time.Second / time.Duration(cfg.Speech.ASRSampleRate)
		go func() {
			for start := 0; start < len(audio); start += asrChunk {
				end := min(start+asrChunk, len(audio))
				tt.Write(audio[start:end])
				if asrRealtime {
					time.Sleep(frameDuration)
				}
			}
			tt.Finish()
		}()

		fmt.Println(titleStyle.Render("asr") + " " + dimStyle.Render(args[0]))
		for {
			ev, err := tt.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			if ev.IsFinal {
				printField("final", fmt.Sprintf("%q confidence=%.2f", ev.Text, ev.Confidence))
			} else {
				fmt.Println(dimStyle.Render("  partial: " + ev.Text))
			}
		}
	},
}

func init() {
	ttsCmd.Flags().StringVarP(&ttsOutput, "output", "o", "", "output audio file")
	ttsCmd.Flags().StringVar(&ttsLanguage, "lang", "", "language, defaults to SPEECH_TTS_LANGUAGE")
	asrCmd.Flags().IntVar(&asrChunk, "chunk", 3200, "bytes per audio frame")
	asrCmd.Flags().BoolVar(&asrRealtime, "realtime", false, "pace frames at real-time speed")
}
