package kernel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp/numeric"
)

// Independent combines several single- (or multi-) latent kernels into a
// block-diagonal kernel whose latent dimension is the sum of the
// components' FuncDim (spec.md §4.H "Independent([k1, k2, …])
// combinator"). State transitions and stationary covariances are stacked
// block-diagonally; measurement likewise, so the joint state evolves as
// independent sub-chains.
type Independent struct {
	components []componentKernel
}

type componentKernel interface {
	Cov(X, X2 *mat.Dense) *mat.Dense
	StationaryCov() mat.Symmetric
	StateTransition(dt float64) *mat.Dense
	Measurement() *mat.Dense
	FuncDim() int
	StateDim() int
}

// NewIndependent constructs a block-diagonal combinator over the given
// component kernels. At least one component is required.
func NewIndependent(components ...componentKernel) (*Independent, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("kernel: Independent requires at least one component kernel")
	}
	return &Independent{components: components}, nil
}

// Cov returns the sum of the components' covariances: each latent is
// independent, so the combined scalar-output covariance (when every
// component has FuncDim 1) is their sum over the shared input. Callers
// combining multi-output components should instead consult each
// component's Cov directly per output block.
func (k *Independent) Cov(X, X2 *mat.Dense) *mat.Dense {
	n, _ := X.Dims()
	n2, _ := X2.Dims()
	out := mat.NewDense(n, n2, nil)
	for _, c := range k.components {
		out.Add(out, c.Cov(X, X2))
	}
	return out
}

func (k *Independent) StationaryCov() mat.Symmetric {
	blocks := make([]mat.Matrix, len(k.components))
	for i, c := range k.components {
		blocks[i] = c.StationaryCov()
	}
	sym, err := numeric.ToSymDense(numeric.BlockDiag(blocks))
	if err != nil {
		panic(fmt.Sprintf("kernel: Independent stationary covariance not symmetric: %v", err))
	}
	return sym
}

func (k *Independent) StateTransition(dt float64) *mat.Dense {
	blocks := make([]mat.Matrix, len(k.components))
	for i, c := range k.components {
		blocks[i] = c.StateTransition(dt)
	}
	return numeric.BlockDiag(blocks)
}

func (k *Independent) Measurement() *mat.Dense {
	rows := k.FuncDim()
	cols := k.StateDim()
	out := mat.NewDense(rows, cols, nil)
	rowOff, colOff := 0, 0
	for _, c := range k.components {
		H := c.Measurement()
		hr, hc := H.Dims()
		for i := 0; i < hr; i++ {
			for j := 0; j < hc; j++ {
				out.Set(rowOff+i, colOff+j, H.At(i, j))
			}
		}
		rowOff += hr
		colOff += hc
	}
	return out
}

func (k *Independent) FuncDim() int {
	total := 0
	for _, c := range k.components {
		total += c.FuncDim()
	}
	return total
}

func (k *Independent) StateDim() int {
	total := 0
	for _, c := range k.components {
		total += c.StateDim()
	}
	return total
}

// SpatialConditional reports ok=false: an Independent combinator over
// purely temporal components has no spatial projection of its own.
func (k *Independent) SpatialConditional(X, R *mat.Dense) (*mat.Dense, *mat.Dense, bool) {
	return nil, nil, false
}
