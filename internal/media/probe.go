package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// posterSeekSeconds is how far into a video the poster frame is grabbed,
// skipping the usual black or blank opening frame.
const posterSeekSeconds = 1.0

// VideoMeta carries the displayable metadata derived from a video upload.
type VideoMeta struct {
	Width           int
	Height          int
	DurationSeconds int
	// Poster is the thumbnail rendered from the seeked frame.
	Poster *Thumbnail
}

// AudioMeta carries the metadata derived from a voice note.
type AudioMeta struct {
	DurationSeconds int
}

// Prober extracts metadata from video and audio payloads.
type Prober interface {
	ProbeVideo(ctx context.Context, data []byte, ext string) (*VideoMeta, error)
	ProbeAudio(ctx context.Context, data []byte, ext string) (*AudioMeta, error)
}

// FFmpegProber shells out to ffprobe and ffmpeg. Both binaries must be on
// PATH.
type FFmpegProber struct {
	// FFprobePath and FFmpegPath override the binary names, mainly for
	// tests.
	FFprobePath string
	FFmpegPath  string
}

func (p *FFmpegProber) ffprobe() string {
	if p.FFprobePath != "" {
		return p.FFprobePath
	}
	return "ffprobe"
}

func (p *FFmpegProber) ffmpeg() string {
	if p.FFmpegPath != "" {
		return p.FFmpegPath
	}
	return "ffmpeg"
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *FFmpegProber) probe(ctx context.Context, path string) (*ffprobeOutput, error) {
	cmd := exec.CommandContext(ctx, p.ffprobe(),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, stderr.String())
	}
	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}
	return &out, nil
}

// ProbeVideo reports a video's dimensions and rounded duration and renders
// a poster thumbnail from one second in.
func (p *FFmpegProber) ProbeVideo(ctx context.Context, data []byte, ext string) (*VideoMeta, error) {
	path, cleanup, err := spool(data, ext)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	probed, err := p.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := &VideoMeta{DurationSeconds: roundDuration(probed.Format.Duration)}
	for _, stream := range probed.Streams {
		if stream.CodecType == "video" && stream.Width > 0 {
			meta.Width = stream.Width
			meta.Height = stream.Height
			break
		}
	}

	seek := posterSeekSeconds
	if duration, err := strconv.ParseFloat(probed.Format.Duration, 64); err == nil && duration < seek {
		seek = 0
	}
	frame, err := p.extractFrame(ctx, path, seek)
	if err != nil {
		return nil, fmt.Errorf("poster frame: %w", err)
	}
	poster, err := ImageThumbnail(frame)
	if err != nil {
		return nil, fmt.Errorf("poster thumbnail: %w", err)
	}
	meta.Poster = poster
	return meta, nil
}

// ProbeAudio reports a voice note's rounded duration.
func (p *FFmpegProber) ProbeAudio(ctx context.Context, data []byte, ext string) (*AudioMeta, error) {
	path, cleanup, err := spool(data, ext)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	probed, err := p.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return &AudioMeta{DurationSeconds: roundDuration(probed.Format.Duration)}, nil
}

func (p *FFmpegProber) extractFrame(ctx context.Context, path string, seek float64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.ffmpeg(),
		"-ss", strconv.FormatFloat(seek, 'f', -1, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame")
	}
	return stdout.Bytes(), nil
}

// spool writes payload bytes to a temp file for the command line tools.
func spool(data []byte, ext string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "harborchat-media-")
	if err != nil {
		return "", nil, fmt.Errorf("spool media: %w", err)
	}
	name := "media"
	if ext != "" {
		name += "." + ext
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("spool media: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

// roundDuration parses ffprobe's fractional seconds and rounds to the
// nearest whole second.
func roundDuration(raw string) int {
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return int(math.Round(seconds))
}
