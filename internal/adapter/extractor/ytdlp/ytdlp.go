// Package ytdlp drives the external yt-dlp binary: metadata and format
// probing via its JSON dump, downloads via its newline progress protocol.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// Extractor shells out to yt-dlp. The binary path is configurable so deploys
// can pin a vendored build.
type Extractor struct {
	bin string
}

// New returns an Extractor using the given binary ("yt-dlp" by default).
func New(bin string) *Extractor {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &Extractor{bin: bin}
}

// dumpJSON is the subset of yt-dlp's -J output the service consumes.
type dumpJSON struct {
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Duration   float64 `json:"duration"`
	Thumbnail  string  `json:"thumbnail"`
	WebpageURL string  `json:"webpage_url"`
	Formats    []struct {
		FormatID   string  `json:"format_id"`
		Ext        string  `json:"ext"`
		Resolution string  `json:"resolution"`
		FormatNote string  `json:"format_note"`
		Filesize   int64   `json:"filesize"`
		Vcodec     string  `json:"vcodec"`
	} `json:"formats"`
}

func (e *Extractor) dump(ctx context.Context, url string) (dumpJSON, error) {
	cmd := exec.CommandContext(ctx, e.bin, "-J", "--no-playlist", "--no-warnings", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return dumpJSON{}, fmt.Errorf("op=ytdlp.dump: %s", msg)
	}
	var d dumpJSON
	if err := json.Unmarshal(stdout.Bytes(), &d); err != nil {
		return dumpJSON{}, fmt.Errorf("op=ytdlp.dump decode: %w", err)
	}
	return d, nil
}

// Metadata probes the URL and returns its description.
func (e *Extractor) Metadata(ctx context.Context, url string) (domain.MediaMetadata, error) {
	d, err := e.dump(ctx, url)
	if err != nil {
		return domain.MediaMetadata{}, err
	}
	return domain.MediaMetadata{
		Title:      d.Title,
		Uploader:   d.Uploader,
		Duration:   d.Duration,
		Thumbnail:  d.Thumbnail,
		WebpageURL: d.WebpageURL,
	}, nil
}

// Formats probes the URL and returns the producible encodings.
func (e *Extractor) Formats(ctx context.Context, url string) ([]domain.MediaFormat, error) {
	d, err := e.dump(ctx, url)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MediaFormat, 0, len(d.Formats))
	for _, f := range d.Formats {
		out = append(out, domain.MediaFormat{
			ID:         f.FormatID,
			Extension:  f.Ext,
			Resolution: f.Resolution,
			Note:       f.FormatNote,
			Filesize:   f.Filesize,
			AudioOnly:  f.Vcodec == "none",
		})
	}
	return out, nil
}

// progressRe matches yt-dlp's --newline progress lines, e.g.
// "[download]  42.3% of 10.00MiB at 1.21MiB/s ETA 00:12".
var progressRe = regexp.MustCompile(`\[download\]\s+([\d.]+)%.*?(?:at\s+(\S+))?(?:\s+ETA\s+(\S+))?\s*$`)

// Download fetches url in the requested format into destDir. Progress lines
// are parsed and forwarded to fn; cancellation kills the subprocess via ctx.
func (e *Extractor) Download(ctx context.Context, url, formatID, destDir string, fn domain.DownloadProgressFunc) (string, error) {
	outTmpl := filepath.Join(destDir, "%(id)s.%(ext)s")
	cmd := exec.CommandContext(ctx, e.bin,
		"-f", formatID,
		"-o", outTmpl,
		"--newline",
		"--no-playlist",
		"--no-warnings",
		"--print", "after_move:filepath",
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("op=ytdlp.download: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("op=ytdlp.download: %w", err)
	}

	var finalPath string
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := progressRe.FindStringSubmatch(line); m != nil {
			if fn != nil {
				pct, _ := strconv.ParseFloat(m[1], 64)
				fn(pct, m[2], parseETA(m[3]))
			}
			continue
		}
		// The after_move:filepath print is the only non-progress stdout line.
		if strings.TrimSpace(line) != "" && !strings.HasPrefix(line, "[") {
			finalPath = strings.TrimSpace(line)
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("op=ytdlp.download: %s", msg)
	}
	if finalPath == "" {
		slog.Warn("yt-dlp finished without reporting an output path", slog.String("url", url))
		return "", fmt.Errorf("op=ytdlp.download: no output file reported")
	}
	return finalPath, nil
}

// parseETA converts yt-dlp's "HH:MM:SS" / "MM:SS" ETA into seconds.
func parseETA(s string) int {
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}
