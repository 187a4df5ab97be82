package rgcn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// NetworkConfig describes a two layer encoder In -> Hidden -> Out
type NetworkConfig struct {
	In, Hidden, Out int
	NumRels         int
	NumBases        int
	Dropout         float64
	SelfLoop        bool
	Bias            bool
}

// Network stacks a linear block layer and a ReLU block layer
type Network struct {
	Layers [2]*BlockLayer
}

// NewNetwork allocates both layers
func NewNetwork(name string, cfg NetworkConfig, rng *rand.Rand) (*Network, error) {
	first, err := NewBlockLayer(name+".layer_1", LayerConfig{
		In: cfg.In, Out: cfg.Hidden,
		NumRels: cfg.NumRels, NumBases: cfg.NumBases,
		SelfLoop: cfg.SelfLoop, Bias: cfg.Bias,
		Activation: nn.Identity, Dropout: cfg.Dropout,
	}, rng)
	if err != nil {
		return nil, err
	}
	second, err := NewBlockLayer(name+".layer_2", LayerConfig{
		In: cfg.Hidden, Out: cfg.Out,
		NumRels: cfg.NumRels, NumBases: cfg.NumBases,
		SelfLoop: cfg.SelfLoop, Bias: cfg.Bias,
		Activation: nn.ReLU, Dropout: cfg.Dropout,
	}, rng)
	if err != nil {
		return nil, err
	}
	return &Network{Layers: [2]*BlockLayer{first, second}}, nil
}

// Parameters implements nn.Parameterizer
func (n *Network) Parameters() []*nn.Param {
	return append(n.Layers[0].Parameters(), n.Layers[1].Parameters()...)
}

// Forward threads x through both layers over g
func (n *Network) Forward(g *temporal.Graph, x *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, Backward) {
	h, back1 := n.Layers[0].Forward(g, x, train, rng)
	out, back2 := n.Layers[1].Forward(g, h, train, rng)
	return out, chain(back2, back1)
}

// ForwardIsolated threads x through the self-loop path of both layers
func (n *Network) ForwardIsolated(x *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, Backward) {
	h, back1 := n.Layers[0].ForwardIsolated(x, train, rng)
	out, back2 := n.Layers[1].ForwardIsolated(h, train, rng)
	return out, chain(back2, back1)
}

// chain runs backward passes from the last layer to the first
func chain(steps ...Backward) Backward {
	return func(dOut *mat.Dense) *mat.Dense {
		for _, step := range steps {
			dOut = step(dOut)
		}
		return dOut
	}
}
