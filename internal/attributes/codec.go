// Package attributes converts between the flat, dot-delimited attribute
// form carried on wire spans ("ag.data.outputs.0.text") and the nested
// document form used by business logic and stored in the spans table.
//
// The flat form cannot natively carry null or nested values in a single
// value slot, so both are tunnelled through sentinel strings:
//
//	@ag.type=none:          a null leaf
//	@ag.type=json:<json>    a compound leaf with no flat representation
//
// Decode reverses both sentinels, making decode∘encode the identity for
// any JSON-representable document (up to key ordering).
package attributes

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Prefix is the wire-key prefix shared by all namespaced attributes.
const Prefix = "ag."

// Namespace is one logical partition of a span's schemaless payload.
type Namespace string

const (
	NamespaceType    Namespace = "type"
	NamespaceData    Namespace = "data"
	NamespaceMetrics Namespace = "metrics"
	NamespaceMeta    Namespace = "meta"
	NamespaceTags    Namespace = "tags"
	NamespaceRefs    Namespace = "refs"
	NamespaceFlags   Namespace = "flags"
)

// contentNamespaces are the namespaces kept on the stored span document.
// NamespaceType is consumed during ingestion (mapped to span/trace type
// columns) and stripped.
var contentNamespaces = []Namespace{
	NamespaceData, NamespaceMetrics, NamespaceMeta,
	NamespaceTags, NamespaceRefs, NamespaceFlags,
}

const (
	noneSentinel       = "@ag.type=none:"
	jsonSentinelPrefix = "@ag.type=json:"
)

// Decode selects all flat keys prefixed "ag.<ns>.", strips the prefix, and
// unflattens the remaining dot paths into a nested document. A numeric path
// segment means "list index"; lists are built by index with nil gap fill.
// Returns nil if no keys match.
func Decode(flat map[string]any, ns Namespace) map[string]any {
	prefix := Prefix + string(ns) + "."
	root := newBranch()
	matched := false
	for key, value := range flat {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		matched = true
		root.insert(strings.Split(strings.TrimPrefix(key, prefix), "."), decodeValue(value))
	}
	if !matched {
		return nil
	}
	doc, ok := root.materialize().(map[string]any)
	if !ok {
		return nil
	}
	return doc
}

// Encode walks the nested document and emits one flat "ag.<ns>."-prefixed
// key per leaf, joining list indices as numeric segments. The inverse of
// Decode. Returns nil for an empty document.
func Encode(nested map[string]any, ns Namespace) map[string]any {
	if len(nested) == 0 {
		return nil
	}
	out := make(map[string]any)
	flatten(Prefix+string(ns), nested, out)
	return out
}

// Bag is a span's full attribute payload split by namespace. Extra holds
// any flat keys that matched no known namespace, preserved opaquely.
type Bag struct {
	Type    map[string]any
	Data    map[string]any
	Metrics map[string]any
	Meta    map[string]any
	Tags    map[string]any
	Refs    map[string]any
	Flags   map[string]any
	Extra   map[string]any
}

// DecodeAll splits a wire span's flat attribute map into all namespaces.
func DecodeAll(flat map[string]any) Bag {
	b := Bag{
		Type:    Decode(flat, NamespaceType),
		Data:    Decode(flat, NamespaceData),
		Metrics: Decode(flat, NamespaceMetrics),
		Meta:    Decode(flat, NamespaceMeta),
		Tags:    Decode(flat, NamespaceTags),
		Refs:    Decode(flat, NamespaceRefs),
		Flags:   Decode(flat, NamespaceFlags),
	}
	known := []Namespace{NamespaceType, NamespaceData, NamespaceMetrics,
		NamespaceMeta, NamespaceTags, NamespaceRefs, NamespaceFlags}
	for key, value := range flat {
		matched := false
		for _, ns := range known {
			if strings.HasPrefix(key, Prefix+string(ns)+".") {
				matched = true
				break
			}
		}
		if !matched {
			if b.Extra == nil {
				b.Extra = make(map[string]any)
			}
			b.Extra[key] = value
		}
	}
	return b
}

// extraKey is the document slot holding non-namespace wire keys. They stay
// in their raw flat form, values untouched, so EncodeDocument can restore
// them verbatim.
const extraKey = "extra"

// Document assembles the stored nested form: one top-level key per content
// namespace that is present, plus the opaque extra keys. The type namespace
// is intentionally excluded.
func (b Bag) Document() map[string]any {
	doc := make(map[string]any)
	for _, ns := range contentNamespaces {
		if part := b.part(ns); part != nil {
			doc[string(ns)] = part
		}
	}
	if len(b.Extra) > 0 {
		doc[extraKey] = b.Extra
	}
	if len(doc) == 0 {
		return nil
	}
	return doc
}

// EncodeDocument flattens a stored nested document (namespace -> subtree)
// back into the wire form.
func EncodeDocument(doc map[string]any) map[string]any {
	if len(doc) == 0 {
		return nil
	}
	out := make(map[string]any)
	for _, ns := range contentNamespaces {
		part, ok := doc[string(ns)].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range Encode(part, ns) {
			out[k] = v
		}
	}
	if extra, ok := doc[extraKey].(map[string]any); ok {
		for k, v := range extra {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (b Bag) part(ns Namespace) map[string]any {
	switch ns {
	case NamespaceType:
		return b.Type
	case NamespaceData:
		return b.Data
	case NamespaceMetrics:
		return b.Metrics
	case NamespaceMeta:
		return b.Meta
	case NamespaceTags:
		return b.Tags
	case NamespaceRefs:
		return b.Refs
	case NamespaceFlags:
		return b.Flags
	default:
		return nil
	}
}

// node is the intermediate unflattening tree. Children are keyed by raw
// path segment; whether a branch becomes an object or a list is decided at
// materialization time from the segment shapes.
type node struct {
	children map[string]*node
	value    any
	isLeaf   bool
}

func newBranch() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) insert(segments []string, value any) {
	if len(segments) == 0 {
		// A path that is both a leaf and a branch is malformed input;
		// branch children win.
		if len(n.children) == 0 {
			n.value = value
			n.isLeaf = true
		}
		return
	}
	if n.isLeaf {
		n.isLeaf = false
		n.value = nil
	}
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	child, ok := n.children[segments[0]]
	if !ok {
		child = newBranch()
		n.children[segments[0]] = child
	}
	child.insert(segments[1:], value)
}

func (n *node) materialize() any {
	if n.isLeaf {
		return n.value
	}
	if indices, ok := n.listIndices(); ok {
		size := 0
		for _, idx := range indices {
			if idx+1 > size {
				size = idx + 1
			}
		}
		list := make([]any, size)
		for seg, child := range n.children {
			idx, _ := strconv.Atoi(seg)
			list[idx] = child.materialize()
		}
		return list
	}
	obj := make(map[string]any, len(n.children))
	for seg, child := range n.children {
		obj[seg] = child.materialize()
	}
	return obj
}

// listIndices reports whether every child segment is a non-negative integer,
// returning the sorted indices if so.
func (n *node) listIndices() ([]int, bool) {
	if len(n.children) == 0 {
		return nil, false
	}
	indices := make([]int, 0, len(n.children))
	for seg := range n.children {
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 {
			return nil, false
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, true
}

func flatten(prefix string, value any, out map[string]any) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			out[prefix] = jsonSentinel(v)
			return
		}
		for key, child := range v {
			flatten(prefix+"."+key, child, out)
		}
	case []any:
		if len(v) == 0 {
			out[prefix] = jsonSentinel(v)
			return
		}
		for idx, child := range v {
			flatten(prefix+"."+strconv.Itoa(idx), child, out)
		}
	default:
		out[prefix] = encodeValue(value)
	}
}

// encodeValue maps a leaf to its single-slot wire value. Numeric, boolean
// and byte values pass through typed; null and non-representable values
// tunnel through the sentinels.
func encodeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return noneSentinel
	case string, bool, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case json.Number:
		return v.String()
	default:
		return jsonSentinel(v)
	}
}

func decodeValue(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if s == noneSentinel {
		return nil
	}
	if rest, found := strings.CutPrefix(s, jsonSentinelPrefix); found {
		var decoded any
		if err := json.Unmarshal([]byte(rest), &decoded); err == nil {
			return decoded
		}
		// Undecodable payloads keep their raw wire form.
		return s
	}
	return s
}

func jsonSentinel(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return jsonSentinelPrefix + "null"
	}
	return jsonSentinelPrefix + string(encoded)
}
