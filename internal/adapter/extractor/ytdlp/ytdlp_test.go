package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressLineParsing(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		match   bool
		percent string
		speed   string
		eta     string
	}{
		{
			name:    "full progress line",
			line:    "[download]  42.3% of 10.00MiB at 1.21MiB/s ETA 00:12",
			match:   true,
			percent: "42.3",
			speed:   "1.21MiB/s",
			eta:     "00:12",
		},
		{
			name:    "unknown speed",
			line:    "[download]   0.1% of ~120.50MiB at Unknown B/s ETA Unknown",
			match:   true,
			percent: "0.1",
		},
		{
			name:    "completed line without eta",
			line:    "[download] 100% of 10.00MiB in 00:05",
			match:   true,
			percent: "100",
		},
		{
			name:  "destination line",
			line:  "[download] Destination: /tmp/work/abc.mp4",
			match: false,
		},
		{
			name:  "merger line",
			line:  "[Merger] Merging formats into \"/tmp/work/abc.mp4\"",
			match: false,
		},
		{
			name:  "plain filepath print",
			line:  "/tmp/work/abc.mp4",
			match: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := progressRe.FindStringSubmatch(tc.line)
			if !tc.match {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tc.percent, m[1])
			if tc.speed != "" {
				assert.Equal(t, tc.speed, m[2])
			}
			if tc.eta != "" {
				assert.Equal(t, tc.eta, m[3])
			}
		})
	}
}

func TestParseETA(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"00:12", 12},
		{"01:30", 90},
		{"1:02:03", 3723},
		{"00:00", 0},
		{"", 0},
		{"Unknown", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parseETA(tc.in), tc.in)
	}
}

// fakeBinary writes an executable shell script standing in for yt-dlp.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp-fake")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestMetadataAndFormatsViaDump(t *testing.T) {
	bin := fakeBinary(t, `cat <<'EOF'
{
  "title": "Sample",
  "uploader": "chan",
  "duration": 212.5,
  "webpage_url": "https://example.com/v/abc",
  "formats": [
    {"format_id": "137", "ext": "mp4", "resolution": "1920x1080", "vcodec": "avc1", "filesize": 1000},
    {"format_id": "140", "ext": "m4a", "resolution": "audio only", "vcodec": "none"}
  ]
}
EOF
`)
	e := New(bin)
	ctx := context.Background()

	meta, err := e.Metadata(ctx, "https://example.com/v/abc")
	require.NoError(t, err)
	assert.Equal(t, "Sample", meta.Title)
	assert.Equal(t, "chan", meta.Uploader)
	assert.InDelta(t, 212.5, meta.Duration, 0.01)

	formats, err := e.Formats(ctx, "https://example.com/v/abc")
	require.NoError(t, err)
	require.Len(t, formats, 2)
	assert.Equal(t, "137", formats[0].ID)
	assert.False(t, formats[0].AudioOnly)
	assert.True(t, formats[1].AudioOnly)
}

func TestDumpSurfacesStderr(t *testing.T) {
	bin := fakeBinary(t, `echo "ERROR: Video unavailable" >&2
exit 1
`)
	e := New(bin)
	_, err := e.Metadata(context.Background(), "https://example.com/v/abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Video unavailable")
}

func TestDownloadParsesProgressAndPath(t *testing.T) {
	destDir := t.TempDir()
	produced := filepath.Join(destDir, "abc.mp4")
	bin := fakeBinary(t, `out="`+produced+`"
echo "[download]  25.0% of 10.00MiB at 1.21MiB/s ETA 00:12"
echo "[download]  95.0% of 10.00MiB at 2.00MiB/s ETA 00:01"
printf 'payload' > "$out"
echo "$out"
`)
	e := New(bin)

	var percents []float64
	var speeds []string
	path, err := e.Download(context.Background(), "https://example.com/v/abc", "22", destDir,
		func(pct float64, speed string, _ int) {
			percents = append(percents, pct)
			speeds = append(speeds, speed)
		})
	require.NoError(t, err)
	assert.Equal(t, produced, path)
	assert.Equal(t, []float64{25, 95}, percents)
	assert.Equal(t, []string{"1.21MiB/s", "2.00MiB/s"}, speeds)
	assert.FileExists(t, path)
}

func TestDownloadFailureIncludesStderr(t *testing.T) {
	bin := fakeBinary(t, `echo "ERROR: HTTP Error 429: Too Many Requests" >&2
exit 1
`)
	e := New(bin)
	_, err := e.Download(context.Background(), "https://example.com/v/abc", "22", t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDownloadCancelledContext(t *testing.T) {
	bin := fakeBinary(t, `sleep 10
`)
	e := New(bin)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := e.Download(ctx, "https://example.com/v/abc", "22", t.TempDir(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDefaultsBinary(t *testing.T) {
	assert.Equal(t, "yt-dlp", New("").bin)
	assert.Equal(t, "/opt/yt-dlp", New("/opt/yt-dlp").bin)
}
