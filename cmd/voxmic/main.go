// Command voxmic streams the default microphone to a voxrelay server and
// prints the transcription as it arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxrelay/internal/protocol"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/client"
)

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:8001/stt", "voxrelay websocket endpoint")
	rate := flag.Float64("rate", 0, "capture sample rate in Hz (0 uses the device default)")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "audio sent per frame")
	backlog := flag.Int("backlog", 32, "captured chunks buffered before new ones are dropped")
	channels := flag.Int("channels", 1, "capture channels (1 or 2); stereo is downmixed before sending")
	sendRate := flag.Int("send-rate", 0, "downsample to this rate before sending to save bandwidth (0 sends the capture rate)")
	listDevices := flag.Bool("list", false, "list input devices and exit")
	flag.Parse()

	if *channels != 1 && *channels != 2 {
		fmt.Fprintf(os.Stderr, "voxmic: -channels must be 1 or 2, got %d\n", *channels)
		return 2
	}

	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialise portaudio", "err", err)
		return 1
	}
	defer portaudio.Terminate()

	if *listDevices {
		return printDevices()
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		slog.Error("no default input device", "err", err)
		return 1
	}
	sampleRate := *rate
	if sampleRate <= 0 {
		sampleRate = device.DefaultSampleRate
	}
	framesPerBuffer := int(sampleRate * chunk.Seconds())
	fmt.Printf("using %s at %.0f Hz\n", device.Name, sampleRate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, *url, nil)
	if err != nil {
		slog.Error("failed to connect", "url", *url, "err", err)
		return 1
	}
	defer c.Close()

	chunks := make(chan []int16, *backlog)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: *channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, func(in []int16) {
		if len(in) == 0 {
			return
		}
		buf := make([]int16, len(in))
		copy(buf, in)
		// Never block the audio callback.
		select {
		case chunks <- buf:
		default:
			slog.Debug("audio buffer full, dropping chunk")
		}
	})
	if err != nil {
		slog.Error("failed to open audio stream", "err", err)
		return 1
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		slog.Error("failed to start audio stream", "err", err)
		return 1
	}
	defer stream.Stop()

	go func() {
		for m := range c.Messages() {
			fmt.Print(render(m))
		}
		stop()
	}()

	fmt.Println("start talking... press ctrl+c to stop")

	outRate := int(sampleRate)
	if *sendRate > 0 && *sendRate < outRate {
		outRate = *sendRate
	}
	var sent int
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			if err := c.Err(); err != nil {
				slog.Info("server closed the connection", "status", c.CloseStatus())
			}
			slog.Info("session finished", "sent_ms", audio.DurationMs(sent, outRate))
			return 0
		case pcm := <-chunks:
			pcm = prepare(pcm, *channels, int(sampleRate), outRate)
			sent += len(pcm)
			if err := c.SendSamples(ctx, outRate, pcm); err != nil {
				if ctx.Err() != nil {
					return 0
				}
				slog.Error("send failed", "err", err)
				return 1
			}
		}
	}
}

// prepare downmixes interleaved stereo and downsamples to outRate.
func prepare(pcm []int16, channels, captureRate, outRate int) []int16 {
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.ResampleLinear(pcm, captureRate, outRate)
}

func printDevices() int {
	devices, err := portaudio.Devices()
	if err != nil {
		slog.Error("failed to list devices", "err", err)
		return 1
	}
	fmt.Println("available input devices:")
	for i, d := range devices {
		if d.MaxInputChannels > 0 {
			fmt.Printf("#%d: %s (%.0f Hz)\n", i, d.Name, d.DefaultSampleRate)
		}
	}
	return 0
}

// ANSI escape sequences.
const (
	clearLine = "\r\033[2K"
	gray      = "\033[90m"
	green     = "\033[32m"
	yellow    = "\033[33m"
	red       = "\033[31m"
	reset     = "\033[0m"
)

// render formats one server message for the terminal. Realtime updates
// overwrite the current line; everything else ends it.
func render(m protocol.Message) string {
	switch m.Type {
	case protocol.TypeRealtime:
		return clearLine + gray + m.Data + reset
	case protocol.TypeSentence:
		return clearLine + green + m.Data + reset + "\n"
	case protocol.TypeStatus:
		if m.Data == protocol.StatusStart {
			return clearLine + yellow + "[recording]" + reset
		}
		return ""
	case protocol.TypeError:
		return clearLine + red + "[error] " + m.Data + reset + "\n"
	default:
		return ""
	}
}
