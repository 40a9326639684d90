package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
)

// SelectOption is one entry of a select prompt.
type SelectOption[T any] struct {
	Label string
	Value T
}

// Lists longer than this get type-to-filter.
const filterThreshold = 5

// ask runs a single-group form with the key help line shown.
func ask(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
}

func newInput(title, description string, value *string) *huh.Input {
	in := huh.NewInput().Title(title).Value(value)
	if description != "" {
		in = in.Description(description)
	}
	return in
}

// promptString reads a line; an empty answer returns defaultVal, which is
// shown as the placeholder.
func promptString(title, description, defaultVal string) (string, error) {
	var value string
	in := newInput(title, description, &value)
	if defaultVal != "" {
		in = in.Placeholder(defaultVal)
	}
	if err := ask(in); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// promptInt reads an integer in [lo, hi]; the form refuses anything else.
func promptInt(title, description string, defaultVal, lo, hi int) (int, error) {
	var value string
	in := newInput(title, description, &value).
		Placeholder(strconv.Itoa(defaultVal)).
		Validate(func(s string) error {
			if s == "" {
				return nil
			}
			n, err := strconv.Atoi(s)
			if err != nil || n < lo || n > hi {
				return fmt.Errorf("enter a number between %d and %d", lo, hi)
			}
			return nil
		})
	if err := ask(in); err != nil {
		return 0, err
	}
	if value == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(value)
}

func promptPassword(title, description string) (string, error) {
	var value string
	in := newInput(title, description, &value).EchoMode(huh.EchoModePassword)
	if err := ask(in); err != nil {
		return "", err
	}
	return value, nil
}

// promptSelect returns the value of the chosen option. defaultIdx outside
// the list leaves the first option highlighted.
func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var value T
	opts := make([]huh.Option[T], 0, len(options))
	for i, o := range options {
		opt := huh.NewOption(o.Label, o.Value)
		if i == defaultIdx {
			opt = opt.Selected(true)
		}
		opts = append(opts, opt)
	}

	sel := huh.NewSelect[T]().Title(title).Options(opts...).Value(&value)
	if len(options) > filterThreshold {
		sel = sel.Filtering(true)
	}
	if err := ask(sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&value)
	if err := ask(c); err != nil {
		return false, err
	}
	return value, nil
}
