// Package log configures the process-wide structured logger.
//
// fsstack runs once, early in boot, before a console is necessarily attached
// in any useful way; everything it has to say goes to stderr so it never
// competes with anything the mounted rootfs writes to stdout afterwards.
package log

import (
	"log/slog"
	"os"

	"gitlab.com/slxh/go/powerline"
)

// Level is the process-wide log level. The top frame may raise it to Debug.
var Level slog.LevelVar

var colors = map[slog.Level]powerline.ColorScheme{
	slog.LevelDebug: {
		Time:    powerline.NewColor(99, powerline.ColorBlack),
		Level:   powerline.NewColor(powerline.ColorBlack, 99),
		Message: powerline.NewColor(99, powerline.ColorDefault),
	},
	slog.LevelInfo: {
		Time:    powerline.NewColor(45, powerline.ColorBlack),
		Level:   powerline.NewColor(powerline.ColorBlack, 45),
		Message: powerline.NewColor(45, powerline.ColorDefault),
	},
	slog.LevelWarn: {
		Time:    powerline.NewColor(220, powerline.ColorBlack),
		Level:   powerline.NewColor(powerline.ColorBlack, 220),
		Message: powerline.NewColor(220, powerline.ColorDefault),
	},
	slog.LevelError: {
		Time:    powerline.NewColor(208, powerline.ColorBlack),
		Level:   powerline.NewColor(powerline.ColorBlack, 208),
		Message: powerline.NewColor(208, powerline.ColorDefault),
	},
}

func setLogger(h slog.Handler) {
	slog.SetDefault(slog.New(h))
}

func onTTY() bool {
	s, err := os.Stderr.Stat()
	if err != nil {
		return false
	}

	return s.Mode()&os.ModeCharDevice > 0
}

// SetColoredLogger installs a powerline-rendered handler writing to stderr.
func SetColoredLogger() {
	setLogger(powerline.NewHandler(os.Stderr, &powerline.HandlerOptions{
		Level:  &Level,
		Colors: colors,
	}))
}

// SetUncoloredLogger installs a plain text handler writing to stderr, for
// use when stderr is redirected to the kernel log or a serial console that
// doesn't understand ANSI escapes.
func SetUncoloredLogger() {
	setLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &Level,
	}))
}

// SetLogger picks a colored or uncolored handler based on whether stderr is
// a terminal.
func SetLogger() {
	if onTTY() {
		SetColoredLogger()
	} else {
		SetUncoloredLogger()
	}
}
