package agents

import (
	"fmt"
	"strconv"
	"strings"

	"ollisten/internal/domain"
)

// DefaultGeometry places an agent surface that has no remembered geometry.
var DefaultGeometry = domain.WindowGeometry{X: 100, Y: 100, Width: 800, Height: 250}

// WindowLabel is the window-props key for an agent surface.
func WindowLabel(agentName string) string {
	return "agent-" + agentName
}

// Clamp keeps g inside screen, shrinking it when it is larger than the
// screen. A zero-sized screen leaves g unchanged.
func Clamp(g domain.WindowGeometry, screen domain.Rect) domain.WindowGeometry {
	if screen.Width <= 0 || screen.Height <= 0 {
		return g
	}
	if g.Width <= 0 {
		g.Width = DefaultGeometry.Width
	}
	if g.Height <= 0 {
		g.Height = DefaultGeometry.Height
	}
	g.Width = min(g.Width, screen.Width)
	g.Height = min(g.Height, screen.Height)
	g.X = clampInt(g.X, screen.X, screen.X+screen.Width-g.Width)
	g.Y = clampInt(g.Y, screen.Y, screen.Y+screen.Height-g.Height)
	return g
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FormatGeometry renders g as x,y,width,height.
func FormatGeometry(g domain.WindowGeometry) string {
	return fmt.Sprintf("%d,%d,%d,%d", g.X, g.Y, g.Width, g.Height)
}

// ParseGeometry reads the x,y,width,height form written by FormatGeometry.
func ParseGeometry(s string) (domain.WindowGeometry, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return domain.WindowGeometry{}, fmt.Errorf("geometry %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return domain.WindowGeometry{}, fmt.Errorf("geometry %q: %w", s, err)
		}
		v[i] = n
	}
	return domain.WindowGeometry{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}
