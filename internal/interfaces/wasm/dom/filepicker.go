//go:build js && wasm

// Package dom binds the file picker controller to browser elements through
// syscall/js.
package dom

import (
	"fmt"
	"syscall/js"

	"github.com/garyjia/expense-reports/internal/domain/filepicker"
)

const (
	controllerSelector = `[data-controller~="file-upload"]:not([data-file-upload-bound])`
	boundAttr          = "data-file-upload-bound"
	targetAttr         = "data-file-upload-target"
	defaultTextAttr    = "data-file-upload-default-text-value"
	legacyTextAttr     = "data-file-upload-file-selection-text-value"
	restoredAttr       = "data-file-upload-restored-value"
)

type element struct {
	v js.Value
}

// listen registers fn for event and returns a remover that also releases the
// js.Func backing it.
func (e element) listen(event string, fn func(js.Value)) func() {
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		var ev js.Value
		if len(args) > 0 {
			ev = args[0]
		}
		fn(ev)
		return nil
	})
	e.v.Call("addEventListener", event, cb)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.v.Call("removeEventListener", event, cb)
		cb.Release()
	}
}

type input struct{ element }

func (i input) Files() []string {
	files := i.v.Get("files")
	if files.IsNull() || files.IsUndefined() {
		return nil
	}
	n := files.Get("length").Int()
	names := make([]string, 0, n)
	for idx := 0; idx < n; idx++ {
		names = append(names, files.Index(idx).Get("name").String())
	}
	return names
}

func (i input) Click() {
	i.v.Call("click")
}

func (i input) OnChange(fn func()) func() {
	return i.listen("change", func(js.Value) { fn() })
}

type label struct{ element }

func (l label) SetText(text string) {
	l.v.Set("textContent", text)
}

type keyEvent struct{ v js.Value }

func (k keyEvent) Key() string     { return k.v.Get("key").String() }
func (k keyEvent) PreventDefault() { k.v.Call("preventDefault") }

type trigger struct{ element }

func (t trigger) OnKeyDown(fn func(filepicker.KeyEvent)) func() {
	return t.listen("keydown", func(ev js.Value) { fn(keyEvent{v: ev}) })
}

// Binding is a controller attached to one wrapper element
type Binding struct {
	Root       js.Value
	Controller *filepicker.Controller
}

// Attach builds and connects a controller for a single wrapper element
func Attach(root js.Value) (*Binding, error) {
	targets := filepicker.Targets{}

	if el := findTarget(root, "input"); el.Truthy() {
		targets.Input = input{element{el}}
	}
	// "fileNameContainer" is accepted for markup written against older templates
	if el := findTarget(root, "label"); el.Truthy() {
		targets.Label = label{element{el}}
	} else if el := findTarget(root, "fileNameContainer"); el.Truthy() {
		targets.Label = label{element{el}}
	}
	if el := findTarget(root, "button"); el.Truthy() {
		targets.Trigger = trigger{element{el}}
	}

	defaultText := attr(root, defaultTextAttr)
	if defaultText == "" {
		defaultText = attr(root, legacyTextAttr)
	}

	ctrl := filepicker.New(targets, filepicker.Options{
		DefaultText: defaultText,
		Restored:    attr(root, restoredAttr),
	})
	if err := ctrl.Connect(); err != nil {
		return nil, err
	}
	root.Call("setAttribute", boundAttr, "")
	return &Binding{Root: root, Controller: ctrl}, nil
}

// AttachAll connects a controller to every unbound wrapper under doc. Wrappers with
// broken markup are reported through onError and skipped.
func AttachAll(doc js.Value, onError func(error)) []*Binding {
	nodes := doc.Call("querySelectorAll", controllerSelector)
	n := nodes.Get("length").Int()

	bindings := make([]*Binding, 0, n)
	for i := 0; i < n; i++ {
		b, err := Attach(nodes.Index(i))
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("file-upload controller %d: %w", i, err))
			}
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings
}

// DetachRemoved disconnects bindings whose root has left the document and
// returns the ones still attached.
func DetachRemoved(bindings []*Binding) []*Binding {
	kept := bindings[:0]
	for _, b := range bindings {
		if b.Root.Get("isConnected").Bool() {
			kept = append(kept, b)
			continue
		}
		b.Controller.Disconnect()
		b.Root.Call("removeAttribute", boundAttr)
	}
	return kept
}

func findTarget(root js.Value, name string) js.Value {
	return root.Call("querySelector", fmt.Sprintf(`[%s~="%s"]`, targetAttr, name))
}

func attr(el js.Value, name string) string {
	v := el.Call("getAttribute", name)
	if v.IsNull() || v.IsUndefined() {
		return ""
	}
	return v.String()
}
