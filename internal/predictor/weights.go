package predictor

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
)

// Weight files start with weightsMagic and a version byte, followed by a
// length-prefixed JSON Architecture and then, for every parameter buffer in
// layer order, a uint32 element count and that many little-endian float32s.
const (
	weightsMagic   = "GLOFW"
	weightsVersion = 1
	maxHeaderBytes = 1 << 16
)

var ErrBadWeights = errors.New("malformed weights file")

func writeWeights(w io.Writer, n *network) error {
	header, err := json.Marshal(n.arch)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(weightsMagic); err != nil {
		return err
	}
	if err := bw.WriteByte(weightsVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(header))); err != nil {
		return err
	}
	if _, err := bw.Write(header); err != nil {
		return err
	}
	for _, p := range n.params() {
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(p.value))); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, p.value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readWeights(r io.Reader) (*network, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(weightsMagic)+1)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWeights, err)
	}
	if string(magic[:len(weightsMagic)]) != weightsMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadWeights)
	}
	if magic[len(weightsMagic)] != weightsVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadWeights, magic[len(weightsMagic)])
	}

	var headerLen uint32
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWeights, err)
	}
	if headerLen == 0 || headerLen > maxHeaderBytes {
		return nil, fmt.Errorf("%w: header length %d", ErrBadWeights, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWeights, err)
	}
	var arch Architecture
	if err := json.Unmarshal(header, &arch); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadWeights, err)
	}

	n, err := newNetwork(arch, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWeights, err)
	}
	for i, p := range n.params() {
		var count uint32
		if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: param %d: %v", ErrBadWeights, i, err)
		}
		if int(count) != len(p.value) {
			return nil, fmt.Errorf("%w: param %d holds %d values, want %d", ErrBadWeights, i, count, len(p.value))
		}
		if err := binary.Read(br, binary.LittleEndian, p.value); err != nil {
			return nil, fmt.Errorf("%w: param %d: %v", ErrBadWeights, i, err)
		}
	}
	return n, nil
}
