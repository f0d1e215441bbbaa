package healthcheck

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
)

// Defaults filled in during registration.
const (
	DefaultMethod           = "GET"
	DefaultFrequency        = 60 * time.Second
	DefaultExpectedDuration = 200 * time.Millisecond
	DefaultMaximumDuration  = 5 * time.Second
)

// HealthCheck is one registered HTTP probe plus the result of its last
// execution. Registration fields come from the caller; result fields are
// written by the engine after every attempt.
type HealthCheck struct {
	Name        string    `json:"name"`
	ServiceName string    `json:"serviceName"`
	Partition   uuid.UUID `json:"partition"`
	Endpoint    string    `json:"endpoint,omitempty"`
	SuffixPath  string    `json:"suffixPath"`
	Method      string    `json:"method,omitempty"`
	Content     string    `json:"content,omitempty"`
	MediaType   string    `json:"mediaType,omitempty"`

	Frequency        model.Duration `json:"frequency,omitempty"`
	ExpectedDuration model.Duration `json:"expectedDuration,omitempty"`
	MaximumDuration  model.Duration `json:"maximumDuration,omitempty"`

	Headers            map[string]string `json:"headers,omitempty"`
	WarningStatusCodes []int32           `json:"warningStatusCodes,omitempty"`
	ErrorStatusCodes   []int32           `json:"errorStatusCodes,omitempty"`

	// LastAttempt is when the probe last ran, UnixNano. Zero means never,
	// surfaced as an omitted field rather than 1970.
	LastAttempt int64 `json:"lastAttemptUnixNano,omitempty"`

	// FailureCount counts consecutive non-Ok attempts.
	FailureCount int64 `json:"failureCount"`

	// ResultCode is the last HTTP status, or 500 synthesized on a
	// transport-level failure.
	ResultCode int32 `json:"resultCode,omitempty"`

	// DurationMs is the last observed wall time, -1 on transport failure.
	DurationMs int64 `json:"durationMs"`
}

// Key is "<service absolute path>/<partition>", the identity a check is
// stored and listed under.
func (hc *HealthCheck) Key() string {
	return servicePath(hc.ServiceName) + "/" + hc.Partition.String()
}

func servicePath(uri string) string {
	return strings.TrimPrefix(uri, platform.Scheme)
}

// listPrefix narrows List to an application, service or partition. The
// trailing separator keeps "/App" from matching "/Apple".
func listPrefix(application, service, partition string) string {
	if application == "" {
		return ""
	}
	p := "/" + application
	if service == "" {
		return p + "/"
	}
	p += "/" + service
	if partition == "" {
		return p + "/"
	}
	return p + "/" + partition
}

var methods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "OPTIONS": true, "PATCH": true,
}

func (hc *HealthCheck) validate() error {
	if hc.Name == "" {
		return fmt.Errorf("name is required: %w", api.ErrInvalidArgument)
	}
	u, err := url.Parse(hc.ServiceName)
	if err != nil || u.Scheme != "fabric" || u.Path == "" {
		return fmt.Errorf("serviceName %q is not an absolute fabric:/ URI: %w", hc.ServiceName, api.ErrInvalidArgument)
	}
	if hc.SuffixPath == "" {
		return fmt.Errorf("suffixPath is required: %w", api.ErrInvalidArgument)
	}
	if hc.Method != "" && !methods[strings.ToUpper(hc.Method)] {
		return fmt.Errorf("method %q is not a known HTTP verb: %w", hc.Method, api.ErrInvalidArgument)
	}
	if (hc.Content == "") != (hc.MediaType == "") {
		return fmt.Errorf("content and mediaType must be set together: %w", api.ErrInvalidArgument)
	}
	if hc.Frequency < 0 || hc.ExpectedDuration < 0 || hc.MaximumDuration < 0 {
		return fmt.Errorf("durations must not be negative: %w", api.ErrInvalidArgument)
	}
	for _, code := range append(append([]int32(nil), hc.WarningStatusCodes...), hc.ErrorStatusCodes...) {
		if code < 100 || code > 599 {
			return fmt.Errorf("status code %d out of range: %w", code, api.ErrInvalidArgument)
		}
	}
	for k := range hc.Headers {
		if k == "" {
			return fmt.Errorf("header names must not be empty: %w", api.ErrInvalidArgument)
		}
	}
	return nil
}

func (hc *HealthCheck) applyDefaults() {
	if hc.Method == "" {
		hc.Method = DefaultMethod
	} else {
		hc.Method = strings.ToUpper(hc.Method)
	}
	if hc.Frequency == 0 {
		hc.Frequency = model.Duration(DefaultFrequency)
	}
	if hc.ExpectedDuration == 0 {
		hc.ExpectedDuration = model.Duration(DefaultExpectedDuration)
	}
	if hc.MaximumDuration == 0 {
		hc.MaximumDuration = model.Duration(DefaultMaximumDuration)
	}
}

// classify maps the status code of the current response to a verdict.
// Warning codes are checked before error codes, then the 2xx range; any
// other code is an error.
func classify(hc *HealthCheck, code int32) platform.State {
	switch {
	case containsCode(hc.WarningStatusCodes, code):
		return platform.StateWarning
	case containsCode(hc.ErrorStatusCodes, code):
		return platform.StateError
	case isSuccessCode(code):
		return platform.StateOk
	default:
		return platform.StateError
	}
}

func containsCode(codes []int32, code int32) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func isSuccessCode(code int32) bool {
	return code >= 200 && code <= 299
}

// ScheduledItem is one pending execution. Its map key is ExecutionTicks,
// so scanning the map yields due work in execution order.
type ScheduledItem struct {
	ExecutionTicks int64  `json:"executionTicks"`
	Key            string `json:"key"`
}

// Stored field numbers. Never reuse a number for a different meaning.
const (
	hcFieldName = 1 + iota
	hcFieldService
	hcFieldPartition
	hcFieldEndpoint
	hcFieldSuffixPath
	hcFieldMethod
	hcFieldContent
	hcFieldMediaType
	hcFieldFrequency
	hcFieldExpectedDuration
	hcFieldMaximumDuration
	hcFieldHeader
	hcFieldWarningCode
	hcFieldErrorCode
	hcFieldLastAttempt
	hcFieldFailureCount
	hcFieldResultCode
	hcFieldDurationMs
)

const (
	schedFieldTicks = 1 + iota
	schedFieldKey
)

func healthCheckCodec() kitedb.Codec[HealthCheck] {
	return kitedb.Codec[HealthCheck]{Marshal: encodeHealthCheck, Unmarshal: decodeHealthCheck}
}

func scheduledItemCodec() kitedb.Codec[ScheduledItem] {
	return kitedb.Codec[ScheduledItem]{Marshal: encodeScheduledItem, Unmarshal: decodeScheduledItem}
}

func encodeHealthCheck(hc HealthCheck) ([]byte, error) {
	var b []byte
	b = kitedb.AppendString(b, hcFieldName, hc.Name)
	b = kitedb.AppendString(b, hcFieldService, hc.ServiceName)
	if hc.Partition != uuid.Nil {
		b = kitedb.AppendBytes(b, hcFieldPartition, hc.Partition[:])
	}
	b = kitedb.AppendString(b, hcFieldEndpoint, hc.Endpoint)
	b = kitedb.AppendString(b, hcFieldSuffixPath, hc.SuffixPath)
	b = kitedb.AppendString(b, hcFieldMethod, hc.Method)
	b = kitedb.AppendBytes(b, hcFieldContent, []byte(hc.Content))
	b = kitedb.AppendString(b, hcFieldMediaType, hc.MediaType)
	b = kitedb.AppendInt64(b, hcFieldFrequency, int64(hc.Frequency))
	b = kitedb.AppendInt64(b, hcFieldExpectedDuration, int64(hc.ExpectedDuration))
	b = kitedb.AppendInt64(b, hcFieldMaximumDuration, int64(hc.MaximumDuration))

	// Witness comparisons need deterministic bytes, so headers encode in
	// sorted key order.
	keys := make([]string, 0, len(hc.Headers))
	for k := range hc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = kitedb.AppendString(entry, 1, k)
		entry = kitedb.AppendString(entry, 2, hc.Headers[k])
		b = protowire.AppendTag(b, hcFieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	for _, c := range hc.WarningStatusCodes {
		b = kitedb.AppendInt32(b, hcFieldWarningCode, c)
	}
	for _, c := range hc.ErrorStatusCodes {
		b = kitedb.AppendInt32(b, hcFieldErrorCode, c)
	}

	b = kitedb.AppendInt64(b, hcFieldLastAttempt, hc.LastAttempt)
	b = kitedb.AppendInt64(b, hcFieldFailureCount, hc.FailureCount)
	b = kitedb.AppendInt32(b, hcFieldResultCode, hc.ResultCode)
	b = kitedb.AppendInt64(b, hcFieldDurationMs, hc.DurationMs)
	return b, nil
}

func decodeHealthCheck(b []byte) (HealthCheck, error) {
	var hc HealthCheck
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return hc, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case hcFieldName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.Name, b = v, b[n:]
		case hcFieldService:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.ServiceName, b = v, b[n:]
		case hcFieldPartition:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return hc, err
			}
			hc.Partition, b = id, b[n:]
		case hcFieldEndpoint:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.Endpoint, b = v, b[n:]
		case hcFieldSuffixPath:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.SuffixPath, b = v, b[n:]
		case hcFieldMethod:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.Method, b = v, b[n:]
		case hcFieldContent:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.Content, b = string(v), b[n:]
		case hcFieldMediaType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.MediaType, b = v, b[n:]
		case hcFieldFrequency:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.Frequency, b = model.Duration(v), b[n:]
		case hcFieldExpectedDuration:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.ExpectedDuration, b = model.Duration(v), b[n:]
		case hcFieldMaximumDuration:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.MaximumDuration, b = model.Duration(v), b[n:]
		case hcFieldHeader:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			k, val, err := decodeHeader(v)
			if err != nil {
				return hc, err
			}
			if hc.Headers == nil {
				hc.Headers = map[string]string{}
			}
			hc.Headers[k] = val
			b = b[n:]
		case hcFieldWarningCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.WarningStatusCodes, b = append(hc.WarningStatusCodes, int32(v)), b[n:]
		case hcFieldErrorCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.ErrorStatusCodes, b = append(hc.ErrorStatusCodes, int32(v)), b[n:]
		case hcFieldLastAttempt:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.LastAttempt, b = int64(v), b[n:]
		case hcFieldFailureCount:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.FailureCount, b = int64(v), b[n:]
		case hcFieldResultCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.ResultCode, b = int32(v), b[n:]
		case hcFieldDurationMs:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			hc.DurationMs, b = int64(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return hc, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return hc, nil
}

func decodeHeader(b []byte) (k, v string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			k, b = s, b[n:]
		case 2:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			v, b = s, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return k, v, nil
}

func encodeScheduledItem(it ScheduledItem) ([]byte, error) {
	var b []byte
	b = kitedb.AppendInt64(b, schedFieldTicks, it.ExecutionTicks)
	b = kitedb.AppendString(b, schedFieldKey, it.Key)
	return b, nil
}

func decodeScheduledItem(b []byte) (ScheduledItem, error) {
	var it ScheduledItem
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return it, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case schedFieldTicks:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return it, protowire.ParseError(n)
			}
			it.ExecutionTicks, b = int64(v), b[n:]
		case schedFieldKey:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return it, protowire.ParseError(n)
			}
			it.Key, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return it, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return it, nil
}
