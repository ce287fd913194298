package tensor

import (
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-stride/internal/device"
)

// MatMul multiplies the last two axes of x by y.
//
// When y is rank 2 it is shared by every leading index of x, so x [..., k]
// times y [k, n] gives [..., n]. Otherwise x [..., m, k] and y [..., k, n]
// must agree on all leading axes. With transB, y's last two axes are stored
// swapped ([..., n, k]).
func MatMul(b device.Backend, x, y *Tensor, transB bool) *Tensor {
	xr, yr := x.Rank(), y.Rank()
	if xr < 2 || yr < 2 {
		log.Panic().Ints("x", x.shape).Ints("y", y.shape).Msg("MatMul: rank < 2")
	}

	k := x.shape[xr-1]
	ky, n := y.shape[yr-2], y.shape[yr-1]
	if transB {
		ky, n = n, ky
	}
	if k != ky {
		log.Panic().Ints("x", x.shape).Ints("y", y.shape).Bool("trans_b", transB).Msg("MatMul: inner dimension mismatch")
	}

	if yr == 2 {
		rows := product(x.shape[:xr-1])
		out := New(append(copyShape(x.shape[:xr-1]), n)...)
		b.MatMul(out.data, x.data, y.data, rows, k, n, transB)
		return out
	}

	if xr != yr || !SameShape(x.shape[:xr-2], y.shape[:yr-2]) {
		log.Panic().Ints("x", x.shape).Ints("y", y.shape).Msg("MatMul: batch dimension mismatch")
	}
	m := x.shape[xr-2]
	batch := product(x.shape[:xr-2])
	out := New(append(copyShape(x.shape[:xr-2]), m, n)...)

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < batch; i++ {
		g.Go(func() error {
			b.MatMul(
				out.data[i*m*n:(i+1)*m*n],
				x.data[i*m*k:(i+1)*m*k],
				y.data[i*k*n:(i+1)*k*n],
				m, k, n, transB,
			)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
