package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bosley/speaktotext/proc"
	"github.com/kkdai/youtube/v2"
)

// Fetcher downloads the audio behind a locator into destDir and returns the
// resulting file path. progress receives percent-complete values and may be
// nil.
type Fetcher interface {
	Fetch(ctx context.Context, locator, destDir string, progress func(float64)) (string, error)
}

// DownloadKind distinguishes download failure modes.
type DownloadKind int

const (
	KindExit DownloadKind = iota
	KindToolMissing
	KindTimeout
)

func (k DownloadKind) String() string {
	switch k {
	case KindToolMissing:
		return "tool missing"
	case KindTimeout:
		return "timeout"
	default:
		return "exit"
	}
}

// DownloadError reports a failed fetch.
type DownloadError struct {
	Kind     DownloadKind
	Tool     string
	ExitCode int
	Timeout  time.Duration
	Detail   string
	Err      error
}

func (e *DownloadError) Error() string {
	switch e.Kind {
	case KindToolMissing:
		return fmt.Sprintf("%s not installed", e.toolName())
	case KindTimeout:
		return fmt.Sprintf("download timed out after %s", e.Timeout)
	}
	if e.Detail != "" {
		return fmt.Sprintf("download failed (exit %d): %s", e.ExitCode, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("download failed: %v", e.Err)
	}
	return "download failed"
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) toolName() string {
	if e.Tool == "" {
		return "download tool"
	}
	return e.Tool
}

var percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// ParsePercent extracts the first NN.N% figure from a progress line.
func ParsePercent(line string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

// YTDLPFetcher extracts audio with the yt-dlp command line tool.
type YTDLPFetcher struct {
	Path   string
	Runner proc.Runner
}

// NewYTDLPFetcher returns a fetcher using yt-dlp from PATH.
func NewYTDLPFetcher() *YTDLPFetcher {
	return &YTDLPFetcher{Path: "yt-dlp", Runner: proc.Exec{}}
}

func (f *YTDLPFetcher) Fetch(ctx context.Context, locator, destDir string, progress func(float64)) (string, error) {
	tool := f.Path
	if tool == "" {
		tool = "yt-dlp"
	}

	_, err := f.Runner.Run(ctx, proc.Invocation{
		Name: tool,
		Args: []string{
			"-x",
			"--audio-format", "wav",
			"--newline",
			"--no-playlist",
			"-o", filepath.Join(destDir, "audio.%(ext)s"),
			locator,
		},
		OnStdoutLine: func(line string) {
			if pct, ok := ParsePercent(line); ok && progress != nil {
				progress(pct)
			}
		},
	})
	if err != nil {
		return "", classify(tool, err)
	}

	return findFetched(destDir)
}

func classify(tool string, err error) error {
	var exitErr *proc.ExitError
	var timeoutErr *proc.TimeoutError
	switch {
	case errors.Is(err, proc.ErrNotFound):
		return &DownloadError{Kind: KindToolMissing, Tool: tool, Err: err}
	case errors.As(err, &timeoutErr):
		return &DownloadError{Kind: KindTimeout, Tool: tool, Timeout: timeoutErr.Timeout, Err: err}
	case errors.As(err, &exitErr):
		return &DownloadError{Kind: KindExit, Tool: tool, ExitCode: exitErr.ExitCode, Detail: proc.Tail(exitErr.Stderr, 500), Err: err}
	default:
		return &DownloadError{Kind: KindExit, Tool: tool, ExitCode: -1, Err: err}
	}
}

// findFetched returns the audio file left in dir, preferring wav.
func findFetched(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read fetch directory: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		candidates = append(candidates, filepath.Join(dir, e.Name()))
	}
	if len(candidates) == 0 {
		return "", &DownloadError{Kind: KindExit, Detail: "download produced no audio file"}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return strings.EqualFold(filepath.Ext(candidates[i]), ".wav") &&
			!strings.EqualFold(filepath.Ext(candidates[j]), ".wav")
	})
	return candidates[0], nil
}

// YouTubeFetcher downloads the best audio-only stream of a YouTube video
// without external tools.
type YouTubeFetcher struct {
	client youtube.Client
}

// NewYouTubeFetcher returns a fetcher backed by the kkdai/youtube client.
func NewYouTubeFetcher() *YouTubeFetcher {
	return &YouTubeFetcher{client: youtube.Client{}}
}

func (f *YouTubeFetcher) Fetch(ctx context.Context, locator, destDir string, progress func(float64)) (string, error) {
	video, err := f.client.GetVideoContext(ctx, locator)
	if err != nil {
		return "", &DownloadError{Kind: KindExit, Tool: "youtube", Err: fmt.Errorf("failed to get video: %w", err)}
	}

	format := bestAudioFormat(video.Formats)
	if format == nil {
		return "", &DownloadError{Kind: KindExit, Tool: "youtube", Detail: "no audio formats available"}
	}

	stream, size, err := f.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", &DownloadError{Kind: KindExit, Tool: "youtube", Err: fmt.Errorf("failed to get stream: %w", err)}
	}
	defer stream.Close()

	out := filepath.Join(destDir, "audio"+audioExtension(format.MimeType))
	file, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := copyWithProgress(ctx, file, stream, size, progress); err != nil {
		return "", &DownloadError{Kind: KindExit, Tool: "youtube", Err: fmt.Errorf("failed to download: %w", err)}
	}
	return out, nil
}

func bestAudioFormat(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return best
}

func audioExtension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "mp4"):
		return ".m4a"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	default:
		return ".audio"
	}
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress func(float64)) error {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if progress != nil && total > 0 {
				progress(float64(written) * 100 / float64(total))
			}
			if ew != nil {
				return ew
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
