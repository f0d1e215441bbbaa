package hedgedmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDiffCounter(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter"})
	d := &diffCounter{counter: counter}

	d.addAbsoluteToCounter(5)
	require.Equal(t, 5.0, testutil.ToFloat64(counter))

	d.addAbsoluteToCounter(7)
	require.Equal(t, 7.0, testutil.ToFloat64(counter))

	// absolute value going backwards must not decrement the counter
	d.addAbsoluteToCounter(6)
	require.Equal(t, 7.0, testutil.ToFloat64(counter))

	d.addAbsoluteToCounter(8)
	require.Equal(t, 9.0, testutil.ToFloat64(counter))
}
