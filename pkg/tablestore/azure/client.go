// Package azure implements tablestore.Client against the Azure Table
// service, authenticated with a SAS token.
package azure

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/pkg/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/clusterkite/kite/pkg/tablestore"
)

const defaultCallTimeout = 5 * time.Second

type Config struct {
	// Endpoint is the table service URL, e.g.
	// https://account.table.core.windows.net.
	Endpoint string

	// SASToken authorizes the calls. A leading '?' is tolerated.
	SASToken string

	// CallTimeout bounds every single service call. Retrying across calls
	// is the caller's policy, so SDK-internal retries are disabled.
	CallTimeout time.Duration
}

type Client struct {
	svc     *aztables.ServiceClient
	timeout time.Duration
}

var _ tablestore.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("table service endpoint is empty")
	}
	if cfg.SASToken == "" {
		return nil, errors.New("table service SAS token is empty")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	serviceURL := strings.TrimSuffix(cfg.Endpoint, "/") + "?" + strings.TrimPrefix(cfg.SASToken, "?")
	opts := &aztables.ClientOptions{}
	opts.Retry = policy.RetryOptions{MaxRetries: -1}
	svc, err := aztables.NewServiceClientWithNoCredential(serviceURL, opts)
	if err != nil {
		return nil, errors.Wrap(err, "creating table service client")
	}
	return &Client{svc: svc, timeout: cfg.CallTimeout}, nil
}

func (c *Client) TableExists(ctx context.Context, table string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	filter := fmt.Sprintf("TableName eq '%s'", table)
	pager := c.svc.NewListTablesPager(&aztables.ListTablesOptions{Filter: &filter, Top: to.Ptr(int32(1))})
	if !pager.More() {
		return false, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, asError(err)
	}
	return len(page.Tables) > 0, nil
}

func (c *Client) QueryOlderThan(ctx context.Context, table string, cutoff time.Time, token string) (tablestore.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	filter := fmt.Sprintf("Timestamp lt datetime'%s'", cutoff.UTC().Format(time.RFC3339))
	opts := &aztables.ListEntitiesOptions{
		Filter: &filter,
		Select: to.Ptr("PartitionKey,RowKey,Timestamp"),
		Top:    to.Ptr(int32(1000)),
	}
	if token != "" {
		pk, rk, err := splitToken(token)
		if err != nil {
			return tablestore.Page{}, err
		}
		opts.NextPartitionKey = &pk
		opts.NextRowKey = &rk
	}

	pager := c.svc.NewClient(table).NewListEntitiesPager(opts)
	if !pager.More() {
		return tablestore.Page{}, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return tablestore.Page{}, asError(err)
	}

	out := tablestore.Page{Entities: make([]tablestore.Entity, 0, len(resp.Entities))}
	for _, raw := range resp.Entities {
		var ent aztables.EDMEntity
		if err := jsoniter.Unmarshal(raw, &ent); err != nil {
			return tablestore.Page{}, errors.Wrap(err, "decoding table entity")
		}
		out.Entities = append(out.Entities, tablestore.Entity{
			PartitionKey: ent.PartitionKey,
			RowKey:       ent.RowKey,
			Timestamp:    time.Time(ent.Timestamp),
		})
	}
	out.NextToken = joinToken(resp.NextPartitionKey, resp.NextRowKey)
	return out, nil
}

func (c *Client) DeleteBatch(ctx context.Context, table string, partitionKey string, rowKeys []string) error {
	if len(rowKeys) == 0 {
		return nil
	}
	if len(rowKeys) > tablestore.MaxBatchSize {
		return tablestore.ErrBatchTooLarge
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	actions := make([]aztables.TransactionAction, 0, len(rowKeys))
	for _, rk := range rowKeys {
		ent, err := jsoniter.Marshal(aztables.EDMEntity{
			Entity: aztables.Entity{PartitionKey: partitionKey, RowKey: rk},
		})
		if err != nil {
			return errors.Wrap(err, "encoding delete action")
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeDelete,
			Entity:     ent,
		})
	}

	if _, err := c.svc.NewClient(table).SubmitTransaction(ctx, actions, nil); err != nil {
		return asBatchError(err)
	}
	return nil
}

// Continuation tokens are the pair of next-keys the service returns.
// Neither key may contain control characters, so newline is a safe joiner.
func joinToken(pk, rk *string) string {
	if pk == nil || *pk == "" {
		return ""
	}
	token := *pk + "\n"
	if rk != nil {
		token += *rk
	}
	return token
}

func splitToken(token string) (pk, rk string, err error) {
	pk, rk, ok := strings.Cut(token, "\n")
	if !ok {
		return "", "", errors.Errorf("malformed continuation token %q", token)
	}
	return pk, rk, nil
}

func asError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tablestore.Transient{Err: err}
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		// No HTTP answer at all: connection level, worth retrying.
		return tablestore.Transient{Err: err}
	}
	switch {
	case respErr.ErrorCode == tablestore.CodeTableNotFound,
		respErr.StatusCode == http.StatusNotFound:
		return tablestore.ErrNotFound
	case transientStatus(respErr.StatusCode):
		return tablestore.Transient{Err: err}
	}
	return err
}

func asBatchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tablestore.Transient{Err: err}
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return tablestore.Transient{Err: err}
	}
	return &tablestore.BatchError{
		Status:      respErr.StatusCode,
		Code:        respErr.ErrorCode,
		FailedIndex: failedIndex(respErr.Error()),
	}
}

// The service names the row a batch failed over as an index prefix on the
// odata error message, e.g. "1:The specified resource does not exist.".
var indexRe = regexp.MustCompile(`"value"\s*:\s*"(\d+):`)

func failedIndex(message string) int {
	m := indexRe.FindStringSubmatch(message)
	if m == nil {
		return -1
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return idx
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= http.StatusInternalServerError
}
