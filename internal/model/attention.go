package model

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-stride/internal/tensor"
)

// AttentionOptions selects the attention mode of one layer.
type AttentionOptions struct {
	// Windowed restricts each position to its fixed-size window
	Windowed bool

	// BlockOffset shifts window boundaries; must be in [0, BlockSize)
	BlockOffset int
}

// Attention runs multi-head causal self-attention over x [batch, seq, nx]
// and returns the output [batch, seq, nState] and this layer's cache
// [batch, 2, heads, *, head_dim].
//
// In windowed mode the cache is a zero placeholder with a sequence length
// of one. In dense mode it holds past plus current keys and values.
func Attention(c *Context, x *tensor.Tensor, name string, nState int, past Past, opts AttentionOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkAttention(c.cfg, x, nState, past, opts); err != nil {
		return nil, nil, fmt.Errorf("attention %s: %w", name, err)
	}
	start := time.Now()
	defer c.observe("attention", start)

	scope := c.In(name)
	if opts.Windowed {
		return windowedAttention(scope, x, nState, opts.BlockOffset)
	}
	return denseAttention(scope, x, nState, past)
}

func checkAttention(cfg Config, x *tensor.Tensor, nState int, past Past, opts AttentionOptions) error {
	if x.Rank() != 3 {
		return fmt.Errorf("%w: input must be [batch, seq, features], got %v", ErrRank, x.Shape())
	}
	if nState <= 0 || nState%cfg.NumHeads != 0 {
		return fmt.Errorf("%w: width %d, heads %d", ErrHeads, nState, cfg.NumHeads)
	}
	kv, ok := past.Get()
	if !ok {
		if opts.Windowed && (opts.BlockOffset < 0 || opts.BlockOffset >= cfg.BlockSize) {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrBlockOffset, opts.BlockOffset, cfg.BlockSize)
		}
		return nil
	}
	if kv.Rank() != 5 {
		return fmt.Errorf("%w: past must be [batch, 2, heads, seq, head_dim], got %v", ErrRank, kv.Shape())
	}
	if opts.Windowed {
		return ErrWindowedPast
	}
	s := kv.Shape()
	if s[0] != x.Dim(0) || s[1] != 2 || s[2] != cfg.NumHeads || s[4] != nState/cfg.NumHeads {
		return fmt.Errorf("%w: got %v for batch %d, heads %d, head dim %d",
			ErrPastShape, s, x.Dim(0), cfg.NumHeads, nState/cfg.NumHeads)
	}
	return nil
}

// windowLayout folds a padded sequence into fixed windows.
//
// The sequence is left padded by offset and right padded so that
// offset+seq+rightPad is a multiple of blockSize. The padded sequence is then
// viewed as [batch*blockSize, padded/blockSize, features], attention runs
// along the middle axis, and the result is viewed back and trimmed.
type windowLayout struct {
	batch     int
	seq       int
	offset    int
	rightPad  int
	padded    int
	blockSize int
}

func newWindowLayout(batch, seq, blockSize, offset int) windowLayout {
	rightPad := blockSize - (offset+seq)%blockSize
	return windowLayout{
		batch:     batch,
		seq:       seq,
		offset:    offset,
		rightPad:  rightPad,
		padded:    offset + seq + rightPad,
		blockSize: blockSize,
	}
}

func (l windowLayout) fold(x *tensor.Tensor) *tensor.Tensor {
	f := x.Dim(-1)
	return x.Pad(1, l.offset, l.rightPad).Reshape(l.batch*l.blockSize, l.padded/l.blockSize, f)
}

func (l windowLayout) unfold(x *tensor.Tensor) *tensor.Tensor {
	f := x.Dim(-1)
	return x.Reshape(l.batch, l.padded, f).Narrow(1, l.offset, l.offset+l.seq)
}

func windowedAttention(c *Context, x *tensor.Tensor, nState, offset int) (*tensor.Tensor, *tensor.Tensor, error) {
	layout := newWindowLayout(x.Dim(0), x.Dim(1), c.cfg.BlockSize, offset)
	folded := layout.fold(x)

	q, k, v, err := projectQKV(c, folded, nState)
	if err != nil {
		return nil, nil, err
	}
	a, _ := multiheadAttention(c, q, k, v)
	a, err = Project(c, mergeHeads(a), "c_proj", nState)
	if err != nil {
		return nil, nil, err
	}
	a = Dropout(c, a, c.cfg.ResidualDropout)

	present := tensor.New(x.Dim(0), 2, c.cfg.NumHeads, 1, nState/c.cfg.NumHeads)
	return layout.unfold(a), present, nil
}

func denseAttention(c *Context, x *tensor.Tensor, nState int, past Past) (*tensor.Tensor, *tensor.Tensor, error) {
	q, k, v, err := projectQKV(c, x, nState)
	if err != nil {
		return nil, nil, err
	}
	if kv, ok := past.Get(); ok {
		pk := kv.Narrow(1, 0, 1).Reshape(k.Dim(0), k.Dim(1), -1, k.Dim(3))
		pv := kv.Narrow(1, 1, 2).Reshape(v.Dim(0), v.Dim(1), -1, v.Dim(3))
		k = tensor.Concat(2, pk, k)
		v = tensor.Concat(2, pv, v)
	}
	present := tensor.Stack(1, k, v)

	a, _ := multiheadAttention(c, q, k, v)
	a, err = Project(c, mergeHeads(a), "c_proj", nState)
	if err != nil {
		return nil, nil, err
	}
	return Dropout(c, a, c.cfg.ResidualDropout), present, nil
}

// projectQKV computes the fused query/key/value projection and splits it
// into heads: each result is [batch, heads, seq, head_dim].
func projectQKV(c *Context, x *tensor.Tensor, nState int) (q, k, v *tensor.Tensor, err error) {
	qkv, err := Project(c, x, "c_attn", 3*nState)
	if err != nil {
		return nil, nil, nil, err
	}
	parts := qkv.Split(-1, 3)
	h := c.cfg.NumHeads
	return splitHeads(parts[0], h), splitHeads(parts[1], h), splitHeads(parts[2], h), nil
}

// splitHeads maps [batch, seq, features] to [batch, heads, seq, features/heads].
func splitHeads(x *tensor.Tensor, heads int) *tensor.Tensor {
	return x.SplitLast(heads).Transpose(0, 2, 1, 3)
}

// mergeHeads is the inverse of splitHeads.
func mergeHeads(x *tensor.Tensor) *tensor.Tensor {
	return x.Transpose(0, 2, 1, 3).MergeLast()
}

// multiheadAttention returns softmax(q·kᵀ/sqrt(d) masked)·v and the
// attention weights [batch, heads, dst, src].
func multiheadAttention(c *Context, q, k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	w := tensor.MatMul(c.backend, q, k, true)
	w.Scale(float32(1 / math.Sqrt(float64(v.Dim(-1)))))
	maskScores(w, c.cfg.DType.MaskValue())
	w = tensor.Softmax(w)
	w = Dropout(c, w, c.cfg.AttentionDropout)
	return tensor.MatMul(c.backend, w, v, false), w
}

// attentionMask returns the [dst, src] causal mask: 1 where destination i
// may attend to source j, that is i >= j - src + dst.
func attentionMask(dst, src int) *tensor.Tensor {
	m := tensor.New(dst, src)
	data := m.Data()
	for i := 0; i < dst; i++ {
		for j := 0; j < src; j++ {
			if i >= j-src+dst {
				data[i*src+j] = 1
			}
		}
	}
	return m
}

// maskScores applies w*b - big*(1-b) over the last two axes in place.
func maskScores(w *tensor.Tensor, big float32) {
	dst, src := w.Dim(-2), w.Dim(-1)
	mask := attentionMask(dst, src).Data()
	data := w.Data()
	n := dst * src
	if n == 0 {
		return
	}
	for off := 0; off < len(data); off += n {
		block := data[off : off+n]
		for i, b := range mask {
			block[i] = block[i]*b - big*(1-b)
		}
	}
}
