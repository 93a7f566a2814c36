package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Metadata is the subset of ffprobe output the gateway uses
type Metadata struct {
	Width           int
	Height          int
	FPS             float64
	TotalFrames     int
	DurationSeconds float64
}

// CheckInstallation verifies if ffprobe is installed and accessible
func CheckInstallation() error {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return fmt.Errorf("ffprobe is not installed or not in PATH: %w", err)
	}
	return nil
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe retrieves video stream metadata
func Probe(ctx context.Context, videoPath string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration",
		"-show_entries", "stream=codec_type,width,height,avg_frame_rate,r_frame_rate,nb_frames",
		"-of", "json",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get video metadata: %w", err)
	}
	return ParseProbeOutput(output)
}

// ParseProbeOutput decodes ffprobe JSON output
func ParseProbeOutput(output []byte) (*Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}

	s := out.Streams[0]
	meta := &Metadata{Width: s.Width, Height: s.Height}

	meta.FPS = parseRate(s.AvgFrameRate)
	if meta.FPS == 0 {
		meta.FPS = parseRate(s.RFrameRate)
	}
	meta.DurationSeconds, _ = strconv.ParseFloat(out.Format.Duration, 64)
	meta.TotalFrames, _ = strconv.Atoi(s.NbFrames)
	if meta.TotalFrames == 0 && meta.FPS > 0 {
		meta.TotalFrames = int(meta.DurationSeconds*meta.FPS + 0.5)
	}
	return meta, nil
}

// parseRate parses ffprobe rationals such as "30000/1001"
func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, _ := strconv.ParseFloat(rate, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
