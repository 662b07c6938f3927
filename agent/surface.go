package agent

import (
	"encoding/json"
	"sync"
	"unicode/utf8"
)

// Selection is a cursor range in characters. Start == End is a caret.
type Selection struct {
	Start int
	End   int
}

// Clamp keeps both ends within [0, length].
func (s Selection) Clamp(length int) Selection {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > length {
			return length
		}
		return v
	}
	return Selection{Start: clamp(s.Start), End: clamp(s.End)}
}

// Surface is the editing surface an agent keeps in sync. Content is an opaque
// JSON tree produced by the editor.
type Surface interface {
	Title() string
	SetTitle(title string)
	Content() json.RawMessage

	// Replace swaps the whole content without recording undo history.
	Replace(content json.RawMessage)

	Selection() Selection
	Select(sel Selection)

	// Length is the size used to clamp selections.
	Length() int

	// OnChange registers fn to run after every change, local or not.
	OnChange(fn func())
}

// Buffer is an in-memory Surface with an undo stack. Edit and Rename are user
// edits; Replace and SetTitle are programmatic.
type Buffer struct {
	mu       sync.Mutex
	title    string
	content  json.RawMessage
	sel      Selection
	undo     []json.RawMessage
	onChange []func()
}

var _ Surface = &Buffer{}

func NewBuffer(title string, content json.RawMessage) *Buffer {
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return &Buffer{title: title, content: content}
}

func (b *Buffer) Title() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.title
}

func (b *Buffer) SetTitle(title string) {
	b.mu.Lock()
	b.title = title
	b.mu.Unlock()
	b.changed()
}

func (b *Buffer) Content() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(json.RawMessage(nil), b.content...)
}

func (b *Buffer) Replace(content json.RawMessage) {
	b.mu.Lock()
	b.content = append(json.RawMessage(nil), content...)
	b.mu.Unlock()
	b.changed()
}

func (b *Buffer) Selection() Selection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sel
}

func (b *Buffer) Select(sel Selection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sel = sel
}

func (b *Buffer) Length() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return textLength(b.content)
}

func (b *Buffer) OnChange(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

// Edit applies a user edit and records the previous content for Undo.
func (b *Buffer) Edit(content json.RawMessage) {
	b.mu.Lock()
	b.undo = append(b.undo, b.content)
	b.content = append(json.RawMessage(nil), content...)
	b.mu.Unlock()
	b.changed()
}

// Rename is a user edit of the title.
func (b *Buffer) Rename(title string) {
	b.SetTitle(title)
}

// Undo reverts the last user edit. False when there is nothing to undo.
func (b *Buffer) Undo() bool {
	b.mu.Lock()
	if len(b.undo) == 0 {
		b.mu.Unlock()
		return false
	}
	b.content = b.undo[len(b.undo)-1]
	b.undo = b.undo[:len(b.undo)-1]
	b.mu.Unlock()
	b.changed()
	return true
}

func (b *Buffer) UndoDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.undo)
}

func (b *Buffer) changed() {
	b.mu.Lock()
	fns := append([]func(){}, b.onChange...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// textLength counts the characters of a content tree: the runes of every
// "text" field, or of the value itself when it is a bare string.
func textLength(content json.RawMessage) int {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return utf8.RuneCount(content)
	}
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s)
	}
	return countText(v)
}

func countText(v any) int {
	n := 0
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && k == "text" {
				n += utf8.RuneCountInString(s)
				continue
			}
			n += countText(child)
		}
	case []any:
		for _, child := range t {
			n += countText(child)
		}
	}
	return n
}
