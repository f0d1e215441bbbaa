package loadmetrics

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMetricCheckCodecRoundTrip(t *testing.T) {
	codec := metricCheckCodec()

	in := MetricCheck{
		Application: "fabric:/Shop",
		Service:     "fabric:/Shop/Cart",
		Partition:   uuid.New(),
		MetricNames: []string{"rps", "queueDepth", "rps"},
	}

	b, err := codec.Marshal(in)
	require.NoError(t, err)
	out, err := codec.Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMetricCheckCodecZeroValues(t *testing.T) {
	codec := metricCheckCodec()

	in := MetricCheck{Application: "fabric:/Shop", MetricNames: []string{"cpu"}}

	b, err := codec.Marshal(in)
	require.NoError(t, err)
	out, err := codec.Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, uuid.Nil, out.Partition)
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("0b731da8-9d1b-4a3f-9c55-0f7b0a2f2f11")

	for _, tc := range []struct {
		mc   MetricCheck
		want string
	}{
		{MetricCheck{Application: "fabric:/Shop"}, "/Shop"},
		{MetricCheck{Application: "fabric:/Shop", Service: "fabric:/Shop/Cart"}, "/Shop/Cart"},
		{MetricCheck{Application: "fabric:/Shop", Service: "fabric:/Shop/Cart", Partition: id}, "/Shop/Cart/" + id.String()},
	} {
		require.Equal(t, tc.want, tc.mc.Key())
	}
}

func TestScope(t *testing.T) {
	keys := []string{
		"/Mail",
		"/Shop",
		"/Shop/Cart",
		"/Shop/Cart/0b731da8-9d1b-4a3f-9c55-0f7b0a2f2f11",
		"/Shop/Checkout",
		"/Shopify",
	}

	for _, tc := range []struct {
		app, svc, part string
		want           []string
	}{
		{"", "", "", keys},
		{"Shop", "", "", []string{"/Shop", "/Shop/Cart", "/Shop/Cart/0b731da8-9d1b-4a3f-9c55-0f7b0a2f2f11", "/Shop/Checkout"}},
		{"Shop", "Cart", "", []string{"/Shop/Cart", "/Shop/Cart/0b731da8-9d1b-4a3f-9c55-0f7b0a2f2f11"}},
		{"Shop", "Cart", "0b731da8-9d1b-4a3f-9c55-0f7b0a2f2f11", []string{"/Shop/Cart/0b731da8-9d1b-4a3f-9c55-0f7b0a2f2f11"}},
		{"Shopify", "", "", []string{"/Shopify"}},
	} {
		prefix, accept := scope(tc.app, tc.svc, tc.part)

		var got []string
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) && accept(k) {
				got = append(got, k)
			}
		}
		require.Equal(t, tc.want, got, "scope %s/%s/%s", tc.app, tc.svc, tc.part)
	}
}

func TestValidate(t *testing.T) {
	id := uuid.New()

	for _, tc := range []struct {
		name string
		mc   MetricCheck
		ok   bool
	}{
		{"application only", MetricCheck{Application: "fabric:/Shop", MetricNames: []string{"cpu"}}, true},
		{"service", MetricCheck{Application: "fabric:/Shop", Service: "fabric:/Shop/Cart", MetricNames: []string{"rps"}}, true},
		{"partition", MetricCheck{Application: "fabric:/Shop", Service: "fabric:/Shop/Cart", Partition: id, MetricNames: []string{"rps"}}, true},
		{"no scheme", MetricCheck{Application: "/Shop", MetricNames: []string{"cpu"}}, false},
		{"empty path", MetricCheck{Application: "fabric:", MetricNames: []string{"cpu"}}, false},
		{"foreign service", MetricCheck{Application: "fabric:/Shop", Service: "fabric:/Mail/Inbox", MetricNames: []string{"rps"}}, false},
		{"partition without service", MetricCheck{Application: "fabric:/Shop", Partition: id, MetricNames: []string{"cpu"}}, false},
		{"no names", MetricCheck{Application: "fabric:/Shop"}, false},
		{"blank name", MetricCheck{Application: "fabric:/Shop", MetricNames: []string{""}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mc.validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
