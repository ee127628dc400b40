// Package fdt builds and parses Flattened Device Trees, the boot-time blob
// format the boot orchestrator reads to discover the expected hart count
// (spec §4.7 step 4), falling back to a single hart when the blob is absent
// or carries no hart information.
//
// The wire format is the four-section FDT layout (header, memory-reserve
// map, a tokenized struct block, a string table) with big-endian u32
// tokens; this package only implements the subset Build/Parse round-trip
// between themselves, not the full upstream FDT spec (no memory-reserve
// entries, no phandles, no /aliases resolution).
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize     = 0x28
	formatVersion  = 17
	lastCompatible = 16
	magicNumber    = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProperty  = 0x3
	tokenEnd       = 0x9
)

// Property holds one device-tree property's value. Exactly one of the typed
// fields is populated for a given property; DefinedCount/Kind report which.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind reports which field of p is populated, or "" if none are.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many of p's typed fields are populated. Build
// rejects any property where this is not exactly 1.
func (p Property) DefinedCount() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// Node is one device-tree node: a name, an unordered property set, and an
// ordered list of children.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Build serializes root into an FDT blob.
func Build(root Node) ([]byte, error) {
	w := &treeWriter{stringOffsets: make(map[string]uint32)}
	if err := w.writeNode(root); err != nil {
		return nil, err
	}
	return w.assemble(), nil
}

// Parse decodes an FDT blob produced by Build back into a Node tree.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize {
		return Node{}, fmt.Errorf("fdt: blob too small for header")
	}
	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != magicNumber {
		return Node{}, fmt.Errorf("fdt: bad magic 0x%08x", magic)
	}
	structOff := binary.BigEndian.Uint32(blob[8:12])
	stringsOff := binary.BigEndian.Uint32(blob[12:16])
	stringsLen := binary.BigEndian.Uint32(blob[32:36])
	structLen := binary.BigEndian.Uint32(blob[36:40])

	if int(structOff+structLen) > len(blob) || int(stringsOff+stringsLen) > len(blob) {
		return Node{}, fmt.Errorf("fdt: header offsets overrun blob")
	}

	r := &treeReader{
		structBlock: blob[structOff : structOff+structLen],
		stringBlock: blob[stringsOff : stringsOff+stringsLen],
	}
	return r.readNode()
}

// PropertyAsU32 reinterprets a raw parsed property as a big-endian uint32.
// Properties round-tripped through Parse always carry their value in Bytes,
// since the FDT wire format itself has no per-property type tag.
func PropertyAsU32(p Property) (uint32, bool) {
	if len(p.Bytes) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Bytes), true
}

// HartCount walks a parsed tree for a "cpus" node and counts its "cpu@N"
// children, falling back to a "numharts" u32 property on the root when no
// cpus node is present. On a false result, boot.Kernel.Boot keeps the
// configured expected-harts value and uses 1 only if that is not positive
// (spec §4.7 step 4).
func HartCount(root Node) (int, bool) {
	for _, child := range root.Children {
		if child.Name != "cpus" {
			continue
		}
		count := 0
		for _, cpu := range child.Children {
			if len(cpu.Name) >= 3 && cpu.Name[:3] == "cpu" {
				count++
			}
		}
		if count > 0 {
			return count, true
		}
	}
	if prop, ok := root.Properties["numharts"]; ok {
		if v, ok := PropertyAsU32(prop); ok {
			return int(v), true
		}
	}
	return 0, false
}

// treeWriter accumulates the tokenized struct block and string table for
// one Build call.
type treeWriter struct {
	structBlock   bytes.Buffer
	stringBlock   bytes.Buffer
	stringOffsets map[string]uint32
}

func (w *treeWriter) writeNode(n Node) error {
	w.putToken(tokenBeginNode)
	w.structBlock.WriteString(n.Name)
	w.structBlock.WriteByte(0)
	w.align()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.writeProperty(name, n.Properties[name]); err != nil {
			return err
		}
	}

	for _, child := range n.Children {
		if err := w.writeNode(child); err != nil {
			return err
		}
	}

	w.putToken(tokenEndNode)
	return nil
}

func (w *treeWriter) writeProperty(name string, prop Property) error {
	switch prop.DefinedCount() {
	case 0:
		return fmt.Errorf("fdt property %q has no values", name)
	default:
		if prop.DefinedCount() > 1 {
			return fmt.Errorf("fdt property %q has multiple value kinds", name)
		}
	}

	var value []byte
	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, s := range prop.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
		value = buf.Bytes()
	case "u32":
		value = make([]byte, len(prop.U32)*4)
		for i, v := range prop.U32 {
			binary.BigEndian.PutUint32(value[i*4:], v)
		}
	case "u64":
		value = make([]byte, len(prop.U64)*8)
		for i, v := range prop.U64 {
			binary.BigEndian.PutUint64(value[i*8:], v)
		}
	case "bytes":
		value = prop.Bytes
	case "flag":
		value = nil
	default:
		return fmt.Errorf("fdt property %q has unsupported kind %q", name, prop.Kind())
	}

	w.putToken(tokenProperty)
	w.putU32(uint32(len(value)))
	w.putU32(w.internString(name))
	w.structBlock.Write(value)
	w.align()
	return nil
}

func (w *treeWriter) assemble() []byte {
	w.putToken(tokenEnd)
	w.align()

	const memReserveSize = 16
	structBytes := w.structBlock.Bytes()
	stringBytes := w.stringBlock.Bytes()

	structOff := headerSize + memReserveSize
	stringsOff := structOff + len(structBytes)
	total := stringsOff + len(stringBytes)

	blob := make([]byte, total)
	h := blob[:headerSize]
	binary.BigEndian.PutUint32(h[0:4], magicNumber)
	binary.BigEndian.PutUint32(h[4:8], uint32(total))
	binary.BigEndian.PutUint32(h[8:12], uint32(structOff))
	binary.BigEndian.PutUint32(h[12:16], uint32(stringsOff))
	binary.BigEndian.PutUint32(h[16:20], uint32(headerSize))
	binary.BigEndian.PutUint32(h[20:24], formatVersion)
	binary.BigEndian.PutUint32(h[24:28], lastCompatible)
	binary.BigEndian.PutUint32(h[28:32], 0)
	binary.BigEndian.PutUint32(h[32:36], uint32(len(stringBytes)))
	binary.BigEndian.PutUint32(h[36:40], uint32(len(structBytes)))

	copy(blob[structOff:], structBytes)
	copy(blob[stringsOff:], stringBytes)
	return blob
}

func (w *treeWriter) internString(name string) uint32 {
	if off, ok := w.stringOffsets[name]; ok {
		return off
	}
	off := uint32(w.stringBlock.Len())
	w.stringBlock.WriteString(name)
	w.stringBlock.WriteByte(0)
	w.stringOffsets[name] = off
	return off
}

func (w *treeWriter) putToken(token uint32) { w.putU32(token) }

func (w *treeWriter) putU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.structBlock.Write(tmp[:])
}

func (w *treeWriter) align() {
	for w.structBlock.Len()%4 != 0 {
		w.structBlock.WriteByte(0)
	}
}

// treeReader walks the struct block produced by treeWriter.assemble,
// resolving property names against the accompanying string block.
type treeReader struct {
	structBlock []byte
	pos         int
	stringBlock []byte
}

func (r *treeReader) readU32() (uint32, error) {
	if r.pos+4 > len(r.structBlock) {
		return 0, fmt.Errorf("fdt: truncated struct block")
	}
	v := binary.BigEndian.Uint32(r.structBlock[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *treeReader) readCString() (string, error) {
	start := r.pos
	for r.pos < len(r.structBlock) && r.structBlock[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= len(r.structBlock) {
		return "", fmt.Errorf("fdt: unterminated string")
	}
	s := string(r.structBlock[start:r.pos])
	r.pos++
	r.align()
	return s, nil
}

func (r *treeReader) align() {
	for r.pos%4 != 0 {
		r.pos++
	}
}

func (r *treeReader) stringAt(off uint32) (string, error) {
	if int(off) >= len(r.stringBlock) {
		return "", fmt.Errorf("fdt: string offset out of range")
	}
	end := int(off)
	for end < len(r.stringBlock) && r.stringBlock[end] != 0 {
		end++
	}
	return string(r.stringBlock[off:end]), nil
}

// readNode consumes one BEGIN_NODE..END_NODE span, including nested
// children, starting at the reader's current position.
func (r *treeReader) readNode() (Node, error) {
	tok, err := r.readU32()
	if err != nil {
		return Node{}, err
	}
	if tok != tokenBeginNode {
		return Node{}, fmt.Errorf("fdt: expected BEGIN_NODE, got %#x", tok)
	}
	name, err := r.readCString()
	if err != nil {
		return Node{}, err
	}

	node := Node{Name: name, Properties: make(map[string]Property)}

	for {
		tok, err := r.readU32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenProperty:
			length, err := r.readU32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := r.readU32()
			if err != nil {
				return Node{}, err
			}
			if r.pos+int(length) > len(r.structBlock) {
				return Node{}, fmt.Errorf("fdt: property value overruns struct block")
			}
			value := r.structBlock[r.pos : r.pos+int(length)]
			r.pos += int(length)
			r.align()

			propName, err := r.stringAt(nameOff)
			if err != nil {
				return Node{}, err
			}
			node.Properties[propName] = Property{Bytes: append([]byte{}, value...)}
		case tokenBeginNode:
			r.pos -= 4 // unread so the recursive call re-consumes BEGIN_NODE
			child, err := r.readNode()
			if err != nil {
				return Node{}, err
			}
			node.Children = append(node.Children, child)
		case tokenEndNode, tokenEnd:
			return node, nil
		default:
			return Node{}, fmt.Errorf("fdt: unexpected token %#x", tok)
		}
	}
}
