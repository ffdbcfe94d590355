package tfgraph

// Tensor is a dense float32 value exchanged with a Session.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Feed binds a Placeholder node to the tensor it receives for one run.
type Feed struct {
	Name   string
	Tensor *Tensor
}

// Session executes a loaded graph. Fetches name nodes whose first output is
// returned, in fetch order.
type Session interface {
	Run(feeds []Feed, fetches []string) ([]*Tensor, error)
	Close() error
}

type SessionOptions struct {
	IntraOpThreads int
	InterOpThreads int
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{IntraOpThreads: 1, InterOpThreads: 1}
}

// Graph is what a SessionFactory needs to prepare a session: the parsed
// graph, the bytes it was parsed from, and the nodes that will be fed and
// fetched on every run.
type Graph struct {
	Def        *GraphDef
	Serialized []byte
	Feeds      []string
	Fetches    []string
}

type SessionFactory func(g *Graph, opts SessionOptions) (Session, error)

// NewExecutorSession is the pure-Go SessionFactory.
func NewExecutorSession(g *Graph, _ SessionOptions) (Session, error) {
	return NewExecutor(g.Def, g.Feeds, g.Fetches)
}
