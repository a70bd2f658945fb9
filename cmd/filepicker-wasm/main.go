//go:build js && wasm

// Command filepicker-wasm is the browser-side file picker behavior.
//
// Build with:
//
//	GOOS=js GOARCH=wasm go build -o web/assets/filepicker.wasm ./cmd/filepicker-wasm
//	cp "$(go env GOROOT)/lib/wasm/wasm_exec.js" web/assets/
package main

import (
	"syscall/js"

	"github.com/garyjia/expense-reports/internal/interfaces/wasm/dom"
)

func main() {
	doc := js.Global().Get("document")
	console := js.Global().Get("console")

	logError := func(err error) {
		console.Call("error", err.Error())
	}

	bindings := dom.AttachAll(doc, logError)

	// Forms are swapped in place after a failed submission; keep bindings in
	// step with the document.
	observer := js.Global().Get("MutationObserver").New(js.FuncOf(func(this js.Value, args []js.Value) any {
		bindings = dom.DetachRemoved(bindings)
		bindings = append(bindings, dom.AttachAll(doc, logError)...)
		return nil
	}))
	observer.Call("observe", doc.Get("body"), map[string]any{
		"childList": true,
		"subtree":   true,
	})

	select {}
}
