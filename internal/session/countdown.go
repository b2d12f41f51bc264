package session

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Countdown drives the overlay shown before each capture round.
type Countdown struct {
	duration time.Duration
	glyphs   map[string]string
	events   *EventBus
}

// NewCountdown creates a countdown of the given length. glyphs maps labels to the
// symbol displayed next to them.
func NewCountdown(duration time.Duration, glyphs map[string]string, events *EventBus) *Countdown {
	if glyphs == nil {
		glyphs = map[string]string{}
	}
	return &Countdown{duration: duration, glyphs: glyphs, events: events}
}

// Text renders the overlay line for n remaining steps.
func (c *Countdown) Text(n int, label string) string {
	return fmt.Sprintf("%d - %s %s", n, c.glyphs[label], label)
}

// Run counts down in whole steps, publishing the overlay at each step. The overlay
// stays up at zero for the capture itself and is hidden early only when ctx is
// cancelled. Hide takes it down at finalize.
func (c *Countdown) Run(ctx context.Context, label string) error {
	if c.duration <= 0 {
		return ctx.Err()
	}

	n := int(math.Ceil(c.duration.Seconds()))
	step := c.duration / time.Duration(n)

	c.publish(n, label, true)

	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.publish(n, label, false)
			return ctx.Err()
		case <-ticker.C:
			n--
			if n <= 0 {
				c.publish(0, label, true)
				return nil
			}
			c.publish(n, label, true)
		}
	}
}

// Hide takes the overlay down after the round for label finalizes. Nothing is
// published when the countdown is disabled, since the overlay was never shown.
func (c *Countdown) Hide(label string) {
	if c.duration <= 0 {
		return
	}
	c.publish(0, label, false)
}

func (c *Countdown) publish(n int, label string, visible bool) {
	if c.events == nil {
		return
	}
	c.events.Publish(Event{
		Type:    EventCountdown,
		Label:   label,
		Text:    c.Text(n, label),
		Visible: visible,
	})
}
