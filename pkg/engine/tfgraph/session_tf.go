//go:build tensorflow

package tfgraph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	tf "github.com/wamuir/graft/tensorflow"
	"k8s.io/examples/AI/modelrunner/pkg/engine/internal/wire"
)

var defaultFactory SessionFactory = NewNativeSession

// nativeSession runs the graph through the TensorFlow C library.
type nativeSession struct {
	graph   *tf.Graph
	session *tf.Session
	fetches []tf.Output
	names   []string
}

// configProto encodes a tensorflow.ConfigProto pinning the thread pools.
func configProto(opts SessionOptions) []byte {
	var m wire.Message
	m = m.Varint(2, int64(opts.IntraOpThreads))
	m = m.Varint(5, int64(opts.InterOpThreads))
	return m
}

// NewNativeSession imports the serialized graph and opens a TensorFlow session.
func NewNativeSession(g *Graph, opts SessionOptions) (Session, error) {
	graph := tf.NewGraph()
	if err := graph.Import(g.Serialized, ""); err != nil {
		return nil, fmt.Errorf("importing graph: %w", err)
	}
	s := &nativeSession{graph: graph, names: g.Fetches}
	for _, name := range g.Fetches {
		op := graph.Operation(name)
		if op == nil {
			return nil, fmt.Errorf("graph has no node %q", name)
		}
		s.fetches = append(s.fetches, op.Output(0))
	}
	session, err := tf.NewSession(graph, &tf.SessionOptions{Config: configProto(opts)})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.session = session
	return s, nil
}

func (s *nativeSession) Run(feeds []Feed, fetches []string) ([]*Tensor, error) {
	if len(fetches) != len(s.names) {
		return nil, fmt.Errorf("got %d fetches, session was created for %d", len(fetches), len(s.names))
	}
	inputs := make(map[tf.Output]*tf.Tensor, len(feeds))
	for _, feed := range feeds {
		op := s.graph.Operation(feed.Name)
		if op == nil {
			return nil, fmt.Errorf("graph has no node %q", feed.Name)
		}
		t, err := tf.ReadTensor(tf.Float, feed.Tensor.Shape, bytes.NewReader(float32Bytes(feed.Tensor.Data)))
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", feed.Name, err)
		}
		inputs[op.Output(0)] = t
	}

	results, err := s.session.Run(inputs, s.fetches, nil)
	if err != nil {
		return nil, err
	}

	out := make([]*Tensor, len(results))
	for i, r := range results {
		if r.DataType() != tf.Float {
			return nil, fmt.Errorf("output %q has type %v, want float", fetches[i], r.DataType())
		}
		var buf bytes.Buffer
		if _, err := r.WriteContentsTo(&buf); err != nil {
			return nil, fmt.Errorf("reading output %q: %w", fetches[i], err)
		}
		out[i] = &Tensor{Shape: r.Shape(), Data: float32s(buf.Bytes())}
	}
	return out, nil
}

func (s *nativeSession) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func float32Bytes(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func float32s(b []byte) []float32 {
	values := make([]float32, len(b)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return values
}
