package logx

import (
	"github.com/fatih/color"
)

// Cyan, Green, Yellow and Red colorise the human-facing banner lines: startup
// (Cyan), shutdown signal (Yellow) and fatal CLI errors (Red) in
// cmd/fido2ble-to-uhid, and the bridging-authenticator notice (Green) in
// internal/supervisor.

func Cyan(s string) string {
	c := color.New(color.FgHiCyan)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Green(s string) string {
	c := color.New(color.FgHiGreen)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Yellow(s string) string {
	c := color.New(color.FgHiYellow)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Red(s string) string {
	c := color.New(color.FgHiRed)
	c.EnableColor()
	return c.SprintFunc()(s)
}
