// Package filepicker keeps the visible label of a custom file chooser in step
// with the hidden native file input behind it.
//
// The controller is platform-neutral: the page elements it binds to are small
// interfaces, implemented by the browser binding in
// internal/interfaces/wasm/dom and by fakes in tests. The HTTP layer
// uses LabelFor to render the same initial label the controller would set, so
// a form re-rendered after a failed submission reads correctly before any
// script runs.
//
// Markup contract:
//
//	<div data-controller="file-upload"
//	     data-file-upload-default-text-value="No file chosen"
//	     data-file-upload-restored-value="receipt.pdf">
//	  <input type="file" hidden data-file-upload-target="input">
//	  <button type="button" data-file-upload-target="button">Choose file</button>
//	  <span data-file-upload-target="label"></span>
//	</div>
package filepicker

import (
	"errors"
	"fmt"
)

// DefaultText is shown when nothing has been chosen or restored
const DefaultText = "No file chosen"

// ErrMissingTarget is returned by Connect when a required element is absent.
// It signals broken page markup, not a runtime condition.
var ErrMissingTarget = errors.New("filepicker: missing target")

// Input is the native file input
type Input interface {
	// Files returns the names of the currently selected files, in order
	Files() []string
	// Click opens the platform file chooser
	Click()
	// OnChange registers fn for selection changes and returns its remover
	OnChange(fn func()) (remove func())
}

// Label displays the current file name
type Label interface {
	SetText(text string)
}

// KeyEvent is a keydown delivered to the trigger
type KeyEvent interface {
	Key() string
	PreventDefault()
}

// Trigger is the visible element standing in for the native chooser button
type Trigger interface {
	// OnKeyDown registers fn for keydown events and returns its remover
	OnKeyDown(fn func(KeyEvent)) (remove func())
}

// Targets are the elements a controller binds to. Trigger is optional.
type Targets struct {
	Input   Input
	Label   Label
	Trigger Trigger
}

// Options configure the label text
type Options struct {
	// DefaultText is the placeholder; empty means DefaultText
	DefaultText string
	// Restored is a file name carried over from a previous submission
	Restored string
}

// LabelFor returns the fallback label: the restored name when there is one,
// otherwise the default text.
func LabelFor(restored, defaultText string) string {
	if restored != "" {
		return restored
	}
	if defaultText == "" {
		return DefaultText
	}
	return defaultText
}

// Controller synchronises one label with one file input
type Controller struct {
	targets Targets
	opts    Options

	removers  []func()
	connected bool
	text      string
}

// New creates a controller. It does not touch the page until Connect.
func New(targets Targets, opts Options) *Controller {
	return &Controller{targets: targets, opts: opts}
}

// Connect validates the targets, registers listeners and sets the initial label
func (c *Controller) Connect() error {
	if c.connected {
		return nil
	}
	if c.targets.Input == nil {
		return fmt.Errorf("%w: input", ErrMissingTarget)
	}
	if c.targets.Label == nil {
		return fmt.Errorf("%w: label", ErrMissingTarget)
	}

	c.removers = append(c.removers, c.targets.Input.OnChange(c.HandleSelection))
	if c.targets.Trigger != nil {
		c.removers = append(c.removers, c.targets.Trigger.OnKeyDown(c.HandleKeyDown))
	}
	c.connected = true

	c.setText(c.Fallback())
	return nil
}

// Disconnect removes every listener registered by Connect. It is safe to call
// more than once.
func (c *Controller) Disconnect() {
	for i := len(c.removers) - 1; i >= 0; i-- {
		if remove := c.removers[i]; remove != nil {
			remove()
		}
	}
	c.removers = nil
	c.connected = false
}

// HandleSelection shows the first selected file, or the fallback when the
// chooser was cancelled and nothing is selected.
func (c *Controller) HandleSelection() {
	if !c.connected {
		return
	}
	if files := c.targets.Input.Files(); len(files) > 0 {
		c.setText(files[0])
		return
	}
	c.setText(c.Fallback())
}

// HandleKeyDown opens the chooser on Enter or Space and suppresses the key's
// default action, so the surrounding form is not submitted.
func (c *Controller) HandleKeyDown(ev KeyEvent) {
	if !c.connected || ev == nil || !IsActivationKey(ev.Key()) {
		return
	}
	ev.PreventDefault()
	c.targets.Input.Click()
}

// Fallback is the label shown when no file is selected
func (c *Controller) Fallback() string {
	return LabelFor(c.opts.Restored, c.opts.DefaultText)
}

// Text returns the label text last written by the controller
func (c *Controller) Text() string {
	return c.text
}

// Connected reports whether listeners are registered
func (c *Controller) Connected() bool {
	return c.connected
}

func (c *Controller) setText(text string) {
	c.text = text
	c.targets.Label.SetText(text)
}

// IsActivationKey reports whether key activates a button: Enter or Space
func IsActivationKey(key string) bool {
	return key == "Enter" || key == " "
}
