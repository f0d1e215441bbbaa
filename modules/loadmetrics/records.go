package loadmetrics

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
)

// MetricCheck subscribes the watchdog to load metrics of an application,
// one of its services, or one pinned partition. The narrower the target,
// the narrower the pull: a pinned partition reports everything its primary
// publishes, wider targets report only the named metrics.
type MetricCheck struct {
	Application string    `json:"application"`
	Service     string    `json:"service,omitempty"`
	Partition   uuid.UUID `json:"partition"`
	MetricNames []string  `json:"metricNames"`
}

// Key is the storage identity: "/App", "/App/Svc" or "/App/Svc/<partition>",
// scheme stripped.
func (mc *MetricCheck) Key() string {
	base := targetPath(mc.Application)
	if mc.Service != "" {
		base = targetPath(mc.Service)
	}
	if mc.Partition != uuid.Nil {
		base += "/" + mc.Partition.String()
	}
	return base
}

func targetPath(uri string) string {
	return strings.TrimPrefix(uri, platform.Scheme)
}

func (mc *MetricCheck) validate() error {
	u, err := url.Parse(mc.Application)
	if err != nil || u.Scheme != "fabric" || u.Path == "" {
		return fmt.Errorf("application %q is not an absolute fabric:/ URI: %w", mc.Application, api.ErrInvalidArgument)
	}
	if mc.Service != "" && !strings.HasPrefix(mc.Service, mc.Application+"/") {
		return fmt.Errorf("service %q is not part of application %q: %w", mc.Service, mc.Application, api.ErrInvalidArgument)
	}
	if mc.Partition != uuid.Nil && mc.Service == "" {
		return fmt.Errorf("a partition subscription needs a service: %w", api.ErrInvalidArgument)
	}
	if len(mc.MetricNames) == 0 {
		return fmt.Errorf("at least one metric name is required: %w", api.ErrInvalidArgument)
	}
	for _, name := range mc.MetricNames {
		if name == "" {
			return fmt.Errorf("metric names must not be empty: %w", api.ErrInvalidArgument)
		}
	}
	return nil
}

func (mc *MetricCheck) nameSet() map[string]struct{} {
	set := make(map[string]struct{}, len(mc.MetricNames))
	for _, name := range mc.MetricNames {
		set[name] = struct{}{}
	}
	return set
}

// scope builds the Range prefix and the boundary filter for List. Keys
// vary in depth, so a plain prefix would let "/Shop" match "/Shopify";
// accept checks the segment boundary.
func scope(application, service, partition string) (prefix string, accept func(string) bool) {
	if application == "" {
		return "", func(string) bool { return true }
	}
	base := "/" + application
	if service != "" {
		base += "/" + service
		if partition != "" {
			base += "/" + partition
		}
	}
	return base, func(key string) bool {
		return key == base || strings.HasPrefix(key, base+"/")
	}
}

const (
	mcFieldApplication = 1 + iota
	mcFieldService
	mcFieldPartition
	mcFieldMetricName
)

func metricCheckCodec() kitedb.Codec[MetricCheck] {
	return kitedb.Codec[MetricCheck]{Marshal: encodeMetricCheck, Unmarshal: decodeMetricCheck}
}

func encodeMetricCheck(mc MetricCheck) ([]byte, error) {
	var b []byte
	b = kitedb.AppendString(b, mcFieldApplication, mc.Application)
	b = kitedb.AppendString(b, mcFieldService, mc.Service)
	if mc.Partition != uuid.Nil {
		b = kitedb.AppendBytes(b, mcFieldPartition, mc.Partition[:])
	}
	for _, name := range mc.MetricNames {
		b = kitedb.AppendString(b, mcFieldMetricName, name)
	}
	return b, nil
}

func decodeMetricCheck(b []byte) (MetricCheck, error) {
	var mc MetricCheck
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return mc, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case mcFieldApplication:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return mc, protowire.ParseError(n)
			}
			mc.Application, b = v, b[n:]
		case mcFieldService:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return mc, protowire.ParseError(n)
			}
			mc.Service, b = v, b[n:]
		case mcFieldPartition:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return mc, protowire.ParseError(n)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return mc, err
			}
			mc.Partition, b = id, b[n:]
		case mcFieldMetricName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return mc, protowire.ParseError(n)
			}
			mc.MetricNames, b = append(mc.MetricNames, v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return mc, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return mc, nil
}
