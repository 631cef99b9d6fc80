package graph

import (
	"strconv"
	"strings"
)

// Shared marks a key that every block resolves to.
const Shared = -1

// Placeholder stands for the block index inside a template.
const Placeholder = "{}"

// Key identifies a registry entry by template and block instead of a rendered name.
// "layers.{}.attention.wq" at block 3 renders as "layers.3.attention.wq"; the shared
// form renders as "layers.X.attention.wq".
type Key struct {
	Template string
	Block    int
}

// BlockKey is the concrete key of template at block.
func BlockKey(template string, block int) Key {
	return Key{Template: template, Block: block}
}

// GlobalKey names something outside any block.
func GlobalKey(name string) Key {
	return Key{Template: name, Block: Shared}
}

// InputKey is where the executor installs the token tensor.
var InputKey = GlobalKey("input")

// Templated reports whether the key carries a block placeholder.
func (k Key) Templated() bool {
	return strings.Contains(k.Template, Placeholder)
}

// Shared returns the block-independent form of k.
func (k Key) Shared() Key {
	return Key{Template: k.Template, Block: Shared}
}

// At returns k bound to block.
func (k Key) At(block int) Key {
	return Key{Template: k.Template, Block: block}
}

// Suffix appends s to the template, keeping the block.
func (k Key) Suffix(s string) Key {
	return Key{Template: k.Template + s, Block: k.Block}
}

// Prefix prepends s to the template, keeping the block.
func (k Key) Prefix(s string) Key {
	return Key{Template: s + k.Template, Block: k.Block}
}

func (k Key) String() string {
	if !k.Templated() {
		return k.Template
	}
	idx := "X"
	if k.Block != Shared {
		idx = strconv.Itoa(k.Block)
	}
	return strings.Replace(k.Template, Placeholder, idx, 1)
}

// ParseKey is the inverse of String: the first dot-separated segment that is a block
// number (or X) becomes the placeholder.
func ParseKey(name string) Key {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "X" {
			parts[i] = Placeholder
			return Key{Template: strings.Join(parts, "."), Block: Shared}
		}
		if n, err := strconv.Atoi(p); err == nil && n >= 0 && p == strconv.Itoa(n) {
			parts[i] = Placeholder
			return Key{Template: strings.Join(parts, "."), Block: n}
		}
	}
	return GlobalKey(name)
}
