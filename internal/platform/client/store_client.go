package client

import (
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// StoreClient is a typed HTTP client for the store's facade.
type StoreClient struct {
	client   *resty.Client
	storeUrl string
}

func NewStoreClient(storeUrl string) *StoreClient {
	return &StoreClient{
		client:   resty.New(),
		storeUrl: storeUrl,
	}
}

type putRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type entryResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type successResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

type rangeResponse struct {
	Count   int             `json:"count"`
	Results []entryResponse `json:"results"`
}

type batchRequest struct {
	Entries []putRequest `json:"entries"`
}

type replicationStatusResponse struct {
	Enabled bool                       `json:"enabled"`
	State   *domain.ReplicationState   `json:"state"`
	Metrics *domain.ReplicationMetrics `json:"metrics"`
}

func (c *StoreClient) Put(key, value string) error {
	resp, err := c.client.R().
		SetBody(putRequest{Key: key, Value: value}).
		Post(c.storeUrl + "/put")
	if err != nil {
		return err
	}
	return expectOK(resp)
}

func (c *StoreClient) Get(key string) (string, error) {
	var result entryResponse
	resp, err := c.client.R().
		SetResult(&result).
		Get(c.storeUrl + "/get/" + key)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", domain.ErrNotFound
	}
	if err := expectOK(resp); err != nil {
		return "", err
	}
	return result.Value, nil
}

func (c *StoreClient) Delete(key string) error {
	resp, err := c.client.R().Delete(c.storeUrl + "/delete/" + key)
	if err != nil {
		return err
	}
	return expectOK(resp)
}

func (c *StoreClient) BatchPut(entries []domain.KeyValue) (int, error) {
	body := batchRequest{}
	for _, kv := range entries {
		body.Entries = append(body.Entries, putRequest{Key: kv.Key, Value: kv.Value})
	}
	var result successResponse
	resp, err := c.client.R().
		SetBody(body).
		SetResult(&result).
		Post(c.storeUrl + "/batch-put")
	if err != nil {
		return 0, err
	}
	if err := expectOK(resp); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *StoreClient) ReadKeyRange(start, end string, limit int) ([]domain.KeyValue, error) {
	req := c.client.R().
		SetQueryParam("start", start).
		SetQueryParam("end", end)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprintf("%d", limit))
	}
	var result rangeResponse
	resp, err := req.SetResult(&result).Get(c.storeUrl + "/range")
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}
	entries := make([]domain.KeyValue, 0, len(result.Results))
	for _, e := range result.Results {
		entries = append(entries, domain.KeyValue{Key: e.Key, Value: e.Value})
	}
	return entries, nil
}

// ReplicationStatus fetches the replication introspection endpoint.
func (c *StoreClient) ReplicationStatus() (enabled bool, state domain.ReplicationState, metrics domain.ReplicationMetrics, err error) {
	var result replicationStatusResponse
	resp, err := c.client.R().
		SetResult(&result).
		Get(c.storeUrl + "/replication/status")
	if err != nil {
		return false, state, metrics, err
	}
	if err := expectOK(resp); err != nil {
		return false, state, metrics, err
	}
	if result.State != nil {
		state = *result.State
	}
	if result.Metrics != nil {
		metrics = *result.Metrics
	}
	return result.Enabled, state, metrics, nil
}

func expectOK(resp *resty.Response) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("store returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
