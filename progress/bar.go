package progress

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/nv259/tensor2struct/format"
)

// Bar renders progress through a known amount of work, counted in whole
// units such as training steps or scored examples.
type Bar struct {
	message      string
	messageWidth int

	maxValue     int64
	initialValue int64
	currentValue int64

	started time.Time
	stopped time.Time

	maxBuckets int
	buckets    []bucket
}

type bucket struct {
	updated time.Time
	value   int64
}

func NewBar(message string, maxValue, initialValue int64) *Bar {
	b := Bar{
		message:      message,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
		maxBuckets:   10,
	}

	if initialValue >= maxValue {
		b.stopped = time.Now()
	}

	return &b
}

// formatDuration limits precision to the largest useful unit.
func formatDuration(d time.Duration) string {
	switch {
	case d >= 100*time.Hour:
		return "99h+"
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return d.Round(time.Second).String()
	}
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	var pre strings.Builder
	if len(b.message) > 0 {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && runewidth.StringWidth(message) > b.messageWidth {
			message = runewidth.Truncate(message, b.messageWidth, "...")
		}

		fmt.Fprintf(&pre, "%s", message)
		if padding := b.messageWidth - runewidth.StringWidth(pre.String()); padding > 0 {
			pre.WriteString(repeat(" ", padding))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%%", b.percent())

	var suf strings.Builder
	if b.stopped.IsZero() {
		fmt.Fprintf(&suf, " %s/%s",
			format.HumanNumber(uint64(max(b.currentValue, 0))),
			format.HumanNumber(uint64(max(b.maxValue, 0))))

		rate := b.rate()
		if b.percent() < 100 && rate > 0 {
			if rate >= 10 {
				fmt.Fprintf(&suf, " %.0f it/s", rate)
			} else {
				fmt.Fprintf(&suf, " %.1f it/s", rate)
			}

			remaining := time.Duration(float64(b.maxValue-b.currentValue)/rate) * time.Second
			fmt.Fprintf(&suf, " %8s", formatDuration(remaining))
		}
	} else {
		fmt.Fprintf(&suf, " (%s)", formatDuration(b.stopped.Sub(b.started)))
	}

	var mid string
	sizeWidth := termWidth - runewidth.StringWidth(pre.String()) - runewidth.StringWidth(suf.String())
	barWidth := sizeWidth - 3
	if barWidth > 0 {
		numPlaces := int(float64(barWidth) * b.percent() / 100)
		var bar strings.Builder
		bar.WriteString(" ▕")
		bar.WriteString(repeat("█", numPlaces))
		bar.WriteString(repeat(" ", barWidth-numPlaces))
		bar.WriteString("▏")
		mid = bar.String()
	}

	return pre.String() + mid + suf.String()
}

// Set moves the bar to value. Reaching maxValue stops the bar.
func (b *Bar) Set(value int64) {
	if b.Stopped() {
		return
	}

	b.currentValue = value
	if b.currentValue >= b.maxValue {
		b.Stop()
	}

	// at most one rate bucket per second
	if len(b.buckets) == 0 || time.Since(b.buckets[len(b.buckets)-1].updated) > time.Second {
		b.buckets = append(b.buckets, bucket{
			updated: time.Now(),
			value:   value,
		})

		if len(b.buckets) > b.maxBuckets {
			b.buckets = b.buckets[1:]
		}
	}
}

func (b *Bar) rate() float64 {
	var numerator, denominator float64

	if !b.stopped.IsZero() {
		numerator = float64(b.currentValue - b.initialValue)
		denominator = b.stopped.Sub(b.started).Seconds()
	} else {
		switch len(b.buckets) {
		case 0:
			// no samples yet
		case 1:
			numerator = float64(b.buckets[0].value - b.initialValue)
			denominator = b.buckets[0].updated.Sub(b.started).Seconds()
		default:
			first, last := b.buckets[0], b.buckets[len(b.buckets)-1]
			numerator = float64(last.value - first.value)
			denominator = last.updated.Sub(first.updated).Seconds()
		}
	}

	if denominator != 0 {
		return numerator / denominator
	}

	return 0
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}

	return 0
}

func (b *Bar) Stop() {
	if b.stopped.IsZero() {
		b.stopped = time.Now()
	}
}

func (b *Bar) Stopped() bool {
	return !b.stopped.IsZero()
}

func repeat(s string, n int) string {
	if n > 0 {
		return strings.Repeat(s, n)
	}

	return ""
}
