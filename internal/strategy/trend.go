package strategy

// TrendEstimator 在行情样本足够时给出新配对参考价的趋势偏移。
type TrendEstimator interface {
	// Observe 记录一个 cmp 样本。
	Observe(cmp float64)

	// Forecast 返回相对 cmp 的偏移量；样本不足时 ok 为 false。
	Forecast(cmp float64) (shift float64, ok bool)
}

// LinRegEstimator 用短窗口与长窗口各做一次线性回归外推，
// 预测一个窗口之后的价格并按 50/50 混合。
type LinRegEstimator struct {
	short *window
	long  *window
}

// NewLinRegEstimator 创建估计器；两个窗口长度都必须大于等于 2。
func NewLinRegEstimator(shortSize, longSize int) *LinRegEstimator {
	if shortSize < 2 {
		shortSize = 2
	}
	if longSize < shortSize {
		longSize = shortSize
	}
	return &LinRegEstimator{
		short: newWindow(shortSize),
		long:  newWindow(longSize),
	}
}

func (e *LinRegEstimator) Observe(cmp float64) {
	e.short.push(cmp)
	e.long.push(cmp)
}

func (e *LinRegEstimator) Forecast(cmp float64) (float64, bool) {
	if !e.short.full() || !e.long.full() {
		return 0, false
	}
	blend := 0.5*e.short.extrapolate() + 0.5*e.long.extrapolate()
	return blend - cmp, true
}

// window 是一个固定大小的环形样本缓冲。
type window struct {
	buf  []float64
	n    int
	next int
}

func newWindow(size int) *window {
	return &window{buf: make([]float64, size)}
}

func (w *window) push(v float64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

func (w *window) full() bool { return w.n == len(w.buf) }

// extrapolate 对窗口内样本拟合 y = a + b·x 并外推一个窗口长度之后的值。
func (w *window) extrapolate() float64 {
	n := len(w.buf)
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		x := float64(i)
		y := w.buf[(w.next+i)%n] // 从最旧样本开始
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	den := fn*sumXX - sumX*sumX
	if den == 0 {
		return sumY / fn
	}
	b := (fn*sumXY - sumX*sumY) / den
	a := (sumY - b*sumX) / fn
	return a + b*float64(2*n-1)
}
