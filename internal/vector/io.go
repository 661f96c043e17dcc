package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

var indexMagic = [4]byte{'S', 'M', 'A', 'N'}

const indexVersion uint32 = 1

const (
	kindMemory uint8 = 0
	kindForest uint8 = 1

	metricCodeAngular uint8 = 1

	nodeLeaf  uint8 = 0
	nodeSplit uint8 = 1

	// maxFloats caps count*dimension when decoding so a corrupt header cannot
	// trigger an enormous allocation.
	maxFloats = 1 << 34
)

// Header describes a persisted index. It is stored uncompressed at the start
// of the file so loaders can validate dimension and metric cheaply.
type Header struct {
	Version   uint32
	Type      IndexType
	Metric    Metric
	Dimension int
	Count     int
	Trees     int
	LeafSize  int
}

// Save serializes idx to w.
//
// Format overview (little endian):
//
//	[4B magic "SMAN"] [4B version] [1B kind] [1B metric]
//	[4B dim] [4B count] [4B trees] [4B leafSize]
//	zstd stream:
//	  count × dim × float32 vectors
//	  For each tree:
//	    [4B root] [4B nodeCount]
//	    For each node: [1B flag]
//	      leaf:  [4B n] [n × 4B item ids]
//	      split: [dim × float32 normal] [4B bias] [4B left] [4B right]
func Save(w io.Writer, idx Index) error {
	var (
		kind     uint8
		s        *store
		trees    []tree
		leafSize int
	)
	switch v := idx.(type) {
	case *ForestIndex:
		kind, s, trees, leafSize = kindForest, &v.store, v.trees, v.leafSize
	case *MemoryIndex:
		kind, s = kindMemory, &v.store
	default:
		return fmt.Errorf("vector: cannot save index type %T", idx)
	}

	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	if _, err := bw.Write(indexMagic[:]); err != nil {
		return fmt.Errorf("vector: save magic: %w", err)
	}
	for _, v := range []any{
		indexVersion, kind, metricCodeAngular,
		uint32(s.dim), uint32(len(s.vectors)), uint32(len(trees)), uint32(leafSize),
	} {
		if err := binary.Write(bw, le, v); err != nil {
			return fmt.Errorf("vector: save header: %w", err)
		}
	}

	zw, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("vector: create zstd writer: %w", err)
	}
	body := bufio.NewWriter(zw)
	write := func(v any) error { return binary.Write(body, le, v) }

	for _, vec := range s.vectors {
		if err := write(vec); err != nil {
			return fmt.Errorf("vector: save vectors: %w", err)
		}
	}
	for t, tr := range trees {
		if err := write([]uint32{uint32(tr.root), uint32(len(tr.nodes))}); err != nil {
			return fmt.Errorf("vector: save tree %d: %w", t, err)
		}
		for _, nd := range tr.nodes {
			if err := writeNode(write, &nd); err != nil {
				return fmt.Errorf("vector: save tree %d: %w", t, err)
			}
		}
	}
	if err := body.Flush(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("vector: close zstd writer: %w", err)
	}
	return bw.Flush()
}

func writeNode(write func(any) error, nd *node) error {
	if nd.isLeaf() {
		if err := write(nodeLeaf); err != nil {
			return err
		}
		if err := write(uint32(len(nd.items))); err != nil {
			return err
		}
		return write(nd.items)
	}
	if err := write(nodeSplit); err != nil {
		return err
	}
	if err := write(nd.normal); err != nil {
		return err
	}
	if err := write(nd.bias); err != nil {
		return err
	}
	return write([]int32{nd.left, nd.right})
}

// ReadHeader decodes the uncompressed header at the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: read magic: %v", ErrCorruptIndex, err)
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, magic[:])
	}
	var raw struct {
		Version  uint32
		Kind     uint8
		Metric   uint8
		Dim      uint32
		Count    uint32
		Trees    uint32
		LeafSize uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptIndex, err)
	}
	if raw.Version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, raw.Version)
	}
	if raw.Metric != metricCodeAngular {
		return nil, fmt.Errorf("%w: code %d", ErrUnknownMetric, raw.Metric)
	}
	h := &Header{
		Version:   raw.Version,
		Metric:    MetricAngular,
		Dimension: int(raw.Dim),
		Count:     int(raw.Count),
		Trees:     int(raw.Trees),
		LeafSize:  int(raw.LeafSize),
	}
	switch raw.Kind {
	case kindForest:
		h.Type = IndexTypeForest
		if h.Trees == 0 {
			return nil, fmt.Errorf("%w: forest without trees", ErrCorruptIndex)
		}
	case kindMemory:
		h.Type = IndexTypeMemory
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorruptIndex, raw.Kind)
	}
	if h.Dimension <= 0 || h.Count <= 0 || uint64(h.Dimension)*uint64(h.Count) > maxFloats {
		return nil, fmt.Errorf("%w: invalid dimension %d or count %d", ErrCorruptIndex, h.Dimension, h.Count)
	}
	return h, nil
}

// Load decodes an index written by Save.
func Load(r io.Reader) (Index, *Header, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, nil, err
	}
	zr, err := zstd.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open zstd stream: %v", ErrCorruptIndex, err)
	}
	defer zr.Close()
	body := bufio.NewReader(zr)
	le := binary.LittleEndian
	corrupt := func(what string, err error) error {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated %s", ErrCorruptIndex, what)
		}
		return fmt.Errorf("%w: read %s: %v", ErrCorruptIndex, what, err)
	}

	s := newStore(h.Dimension)
	flat := make([]float32, h.Count*h.Dimension)
	if err := binary.Read(body, le, flat); err != nil {
		return nil, nil, corrupt("vectors", err)
	}
	for i := 0; i < h.Count; i++ {
		if err := s.add(i, flat[i*h.Dimension:(i+1)*h.Dimension]); err != nil {
			return nil, nil, err
		}
	}
	if h.Type == IndexTypeMemory {
		return &MemoryIndex{store: s, built: true}, h, nil
	}

	trees := make([]tree, h.Trees)
	for t := range trees {
		var hdr [2]uint32
		if err := binary.Read(body, le, &hdr); err != nil {
			return nil, nil, corrupt("tree header", err)
		}
		root, nodeCount := hdr[0], hdr[1]
		if nodeCount == 0 || nodeCount > uint32(2*h.Count) || root >= nodeCount {
			return nil, nil, fmt.Errorf("%w: tree %d has root %d of %d nodes", ErrCorruptIndex, t, root, nodeCount)
		}
		nodes := make([]node, nodeCount)
		for i := range nodes {
			if err := readNode(body, h, &nodes[i], int32(nodeCount)); err != nil {
				return nil, nil, corrupt(fmt.Sprintf("tree %d node %d", t, i), err)
			}
		}
		trees[t] = tree{root: int32(root), nodes: nodes}
	}
	return &ForestIndex{store: s, trees: trees, leafSize: h.LeafSize}, h, nil
}

func readNode(r io.Reader, h *Header, nd *node, nodeCount int32) error {
	le := binary.LittleEndian
	var flag uint8
	if err := binary.Read(r, le, &flag); err != nil {
		return err
	}
	switch flag {
	case nodeLeaf:
		var n uint32
		if err := binary.Read(r, le, &n); err != nil {
			return err
		}
		if n > uint32(h.Count) {
			return fmt.Errorf("leaf holds %d items, index has %d", n, h.Count)
		}
		nd.items = make([]int32, n)
		if err := binary.Read(r, le, nd.items); err != nil {
			return err
		}
		for _, id := range nd.items {
			if id < 0 || int(id) >= h.Count {
				return fmt.Errorf("item id %d out of range", id)
			}
		}
	case nodeSplit:
		nd.normal = make([]float32, h.Dimension)
		if err := binary.Read(r, le, nd.normal); err != nil {
			return err
		}
		if err := binary.Read(r, le, &nd.bias); err != nil {
			return err
		}
		var children [2]int32
		if err := binary.Read(r, le, &children); err != nil {
			return err
		}
		for _, c := range children {
			if c < 0 || c >= nodeCount {
				return fmt.Errorf("child %d out of range", c)
			}
		}
		nd.left, nd.right = children[0], children[1]
	default:
		return fmt.Errorf("unknown node flag %d", flag)
	}
	return nil
}

// SaveFile writes idx to path, creating parent directories.
func SaveFile(path string, idx Index) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := Save(f, idx); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	return f.Close()
}

// LoadFile reads an index from path.
func LoadFile(path string) (Index, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	return Load(f)
}
