package transcoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Update is one decoded progress block from ffmpeg's -progress output.
type Update struct {
	Percent    float64
	FPS        float64
	Speed      float64
	OutTime    float64 // seconds of output produced
	ETASeconds int64
	Done       bool
}

// parseProgress consumes key=value blocks from ffmpeg's -progress pipe and
// invokes emit once per block (ffmpeg writes one block per second). duration
// is the source duration in seconds, used to derive percent and ETA.
func parseProgress(r io.Reader, duration float64, emit func(Update)) error {
	scanner := bufio.NewScanner(r)
	var cur Update

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.OutTime = float64(us) / 1e6
			}
		case "out_time_ms":
			// Older ffmpeg writes microseconds under this key; only use it
			// when out_time_us was absent in the block
			if cur.OutTime == 0 {
				if us, err := strconv.ParseInt(value, 10, 64); err == nil {
					cur.OutTime = float64(us) / 1e6
				}
			}
		case "fps":
			cur.FPS, _ = strconv.ParseFloat(value, 64)
		case "speed":
			cur.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		case "progress":
			cur.Done = value == "end"
			finalizeUpdate(&cur, duration)
			emit(cur)
			cur = Update{}
		}
	}
	return scanner.Err()
}

func finalizeUpdate(u *Update, duration float64) {
	if duration > 0 {
		u.Percent = u.OutTime / duration * 100
		if u.Percent > 100 {
			u.Percent = 100
		}
		if u.Speed > 0 {
			remaining := duration - u.OutTime
			if remaining < 0 {
				remaining = 0
			}
			u.ETASeconds = int64(remaining / u.Speed)
		}
	}
	if u.Done {
		u.Percent = 100
		u.ETASeconds = 0
	}
}
