package gaussian

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

// rbfKernel is a minimal Kernel implementation (RBF covariance only) used
// to exercise the dense/sparse conditioning operators, which consume only
// Cov — the state-space methods are irrelevant here and left unimplemented
// via panics to make any accidental use loud.
type rbfKernel struct {
	lengthscale float64
	variance    float64
}

func (k *rbfKernel) Cov(X, X2 *mat.Dense) *mat.Dense {
	n, _ := X.Dims()
	n2, _ := X2.Dims()
	out := mat.NewDense(n, n2, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n2; j++ {
			d := X.At(i, 0) - X2.At(j, 0)
			out.Set(i, j, k.variance*math.Exp(-0.5*d*d/(k.lengthscale*k.lengthscale)))
		}
	}
	return out
}

func (k *rbfKernel) StationaryCov() mat.Symmetric                             { panic("unused") }
func (k *rbfKernel) StateTransition(dt float64) *mat.Dense                    { panic("unused") }
func (k *rbfKernel) Measurement() *mat.Dense                                  { panic("unused") }
func (k *rbfKernel) FuncDim() int                                             { return 1 }
func (k *rbfKernel) StateDim() int                                            { return 1 }
func (k *rbfKernel) SpatialConditional(X, R *mat.Dense) (*mat.Dense, *mat.Dense, bool) {
	return nil, nil, false
}

func col(vals ...float64) *mat.Dense {
	return mat.NewDense(len(vals), 1, vals)
}

func TestConditionalAtTrainingInputsShrinksVariance(t *testing.T) {
	assert := assert.New(t)

	kern := &rbfKernel{lengthscale: 1.0, variance: 1.0}
	X := col(0, 1, 2)
	pseudoMean := mat.NewVecDense(3, []float64{0.5, -0.3, 0.8})
	pseudoCov := mat.NewSymDense(3, []float64{0.1, 0, 0, 0, 0.1, 0, 0, 0, 0.1})

	mean, cov, err := Conditional(kern, pseudoMean, pseudoCov, X, nil)
	assert.NoError(err)
	assert.Equal(3, mean.Len())
	for i := 0; i < 3; i++ {
		assert.Less(cov.At(i, i), kern.variance)
	}
}

func TestSparseConditionalRoundTripsToData(t *testing.T) {
	assert := assert.New(t)

	kern := &rbfKernel{lengthscale: 1.0, variance: 1.0}
	X := col(0, 0.5, 1, 1.5, 2)
	Z := col(0, 1, 2)

	nat1 := mat.NewVecDense(5, []float64{0.1, 0.2, -0.1, 0.0, 0.3})
	nat2 := mat.NewSymDense(5, nil)
	for i := 0; i < 5; i++ {
		nat2.SetSym(i, i, 10.0)
	}

	postMean, postCov, err := SparseConditional(kern, nat1, nat2, X, Z)
	assert.NoError(err)
	assert.Equal(3, postMean.Len())

	dataMean, dataCov, err := SparseConditionalPostToData(kern, postMean, postCov, X, Z)
	assert.NoError(err)
	assert.Equal(5, dataMean.Len())
	for i := 0; i < 5; i++ {
		assert.Greater(dataCov.At(i, i), 0.0)
	}
}
