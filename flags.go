package escapexl

import (
	"net/url"
	"strings"
)

// FlagInfo describes one boolean option understood by the filter.
type FlagInfo struct {
	Name  string
	Label string
}

// RecognizedFlags lists the filter options in the order they are passed
// on the command line.
var RecognizedFlags = []FlagInfo{
	{Name: "no-dates", Label: "Do not escape text that looks like dates"},
	{Name: "no-sci", Label: "Do not escape numbers in scientific notation"},
	{Name: "no-zeros", Label: "Do not escape numbers with leading zeros"},
	{Name: "paranoid", Label: "Escape all numeric values, not just the ones Excel would mangle"},
}

// BuildArgs appends a "--<name>" argument to args for every recognized flag
// that has a truthy value in form. Unknown fields are ignored, and the
// appended flags follow RecognizedFlags order, not submission order.
func BuildArgs(args []Arg, form url.Values) []Arg {
	for _, f := range RecognizedFlags {
		if truthy(form.Get(f.Name)) {
			args = append(args, Arg{Key: "--" + f.Name})
		}
	}
	return args
}

// truthy reports whether a submitted form value enables a flag.
// Checkboxes submit "on"; an empty value or an explicit negative does not count.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "f", "false", "n", "no", "off":
		return false
	}
	return true
}
