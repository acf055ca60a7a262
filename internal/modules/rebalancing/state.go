package rebalancing

// state is the explicit portfolio state threaded through the backtest loop:
// current weights (nil while no portfolio is held) and portfolio value. The
// driver owns it; advance is pure.
type state struct {
	weights []float64 // ordered like the return matrix assets, nil = cash
	value   float64
}

// advance applies one period of asset returns to the state and returns the
// successor state. In drift mode the weights move with relative asset
// performance; in fixed mode they are re-normalized back to target daily,
// equivalent to continuous rebalancing.
func advance(st state, row []float64, fixed bool) state {
	if st.weights == nil {
		return st
	}

	periodReturn := 0.0
	for i, w := range st.weights {
		periodReturn += w * row[i]
	}

	next := state{value: st.value * (1 + periodReturn)}

	if fixed {
		next.weights = st.weights
		return next
	}

	growth := 1 + periodReturn
	drifted := make([]float64, len(st.weights))
	if growth != 0 {
		for i, w := range st.weights {
			drifted[i] = w * (1 + row[i]) / growth
		}
	}
	next.weights = drifted
	return next
}
