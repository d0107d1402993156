package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// source adapts a math/rand/v2 generator to gonum's distribution sampler.
type source struct {
	r *rand.Rand
}

func (s source) Uint64() uint64 { return s.r.Uint64() }
func (s source) Seed(uint64)    {}

// InitNormal fills p with samples from N(0, sigma).
func InitNormal(r *rand.Rand, sigma float64, p *Parameter) {
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: source{r}}
	for i := range p.Data {
		p.Data[i] = dist.Rand()
	}
}

// InitGlorot fills a matrix-shaped parameter with U(-l, l) where
// l = sqrt(6 / (fanIn + fanOut)). Vector-shaped parameters are zeroed,
// which is the usual treatment for biases.
func InitGlorot(r *rand.Rand, p *Parameter) {
	if len(p.Shape) < 2 {
		for i := range p.Data {
			p.Data[i] = 0
		}
		return
	}

	fanOut, fanIn := p.Shape[0], p.Shape[1]
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: source{r}}
	for i := range p.Data {
		p.Data[i] = dist.Rand()
	}
}

// Perturb adds N(0, sigma) noise to every element of dst. Particle sampling
// uses this to spread realizations around the shared parameters.
func Perturb(r *rand.Rand, sigma float64, dst *Parameter) {
	if sigma <= 0 {
		return
	}
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: source{r}}
	for i := range dst.Data {
		dst.Data[i] += dist.Rand()
	}
}
