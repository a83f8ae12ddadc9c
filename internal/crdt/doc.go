// Package crdt wraps the automerge document behind the two operations the hub
// needs: merging opaque update bytes and encoding the full state. The hub
// never inspects update contents.
package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// TextField is the well-known document field holding the editor buffer. The
// plain-text projection for fallback consumers reads this field.
const TextField = "code"

// Doc owns one room's CRDT document. It is not safe for concurrent use; the
// room actor is its only mutator.
type Doc struct {
	inner *automerge.Doc
}

// New creates an empty document with the text field initialized.
func New() *Doc {
	doc := automerge.New()
	_ = doc.Path(TextField).Set(automerge.NewText(""))
	return &Doc{inner: doc}
}

// Load reconstructs a document from a previously encoded state.
func Load(blob []byte) (*Doc, error) {
	if len(blob) == 0 {
		return New(), nil
	}
	doc, err := automerge.Load(blob)
	if err != nil {
		return nil, fmt.Errorf("load document state: %w", err)
	}
	return &Doc{inner: doc}, nil
}

// ApplyUpdate merges an opaque update (an incremental change set or a full
// encoded state) into the document. Malformed bytes return an error and leave
// the document unchanged.
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("empty update")
	}
	if err := d.inner.LoadIncremental(update); err != nil {
		return fmt.Errorf("merge update: %w", err)
	}
	return nil
}

// EncodeState returns the full encoded document state. Loading the result
// into a fresh document yields an equal state.
func (d *Doc) EncodeState() []byte {
	return d.inner.Save()
}

// TextProjection reads the plain-text contents of the editor field for
// fallback consumers. A document without the field projects to "".
func (d *Doc) TextProjection() string {
	text := d.inner.Path(TextField).Text()
	s, err := text.Get()
	if err != nil {
		return ""
	}
	return s
}

// AppendText appends to the editor field locally and returns the incremental
// update encoding the change. Used by tests and the bootstrap path; live
// clients produce their own updates.
func (d *Doc) AppendText(s string) ([]byte, error) {
	text := d.inner.Path(TextField).Text()
	if err := text.Append(s); err != nil {
		return nil, fmt.Errorf("append text: %w", err)
	}
	return d.inner.SaveIncremental(), nil
}

// Fork returns an independent copy of the document sharing history, the way a
// newly joined client reconstructs state from a snapshot.
func (d *Doc) Fork() (*Doc, error) {
	return Load(d.EncodeState())
}
