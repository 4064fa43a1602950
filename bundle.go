package collab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// BundleClient fetches and stores snapshot bundles over the REST pair. The
// storage backend is an external collaborator; the core only needs this
// capability.
type BundleClient struct {
	ctx context.Context

	bundleUrl string

	httpClient *http.Client
}

func NewBundleClient(ctx context.Context, bundleUrl string) *BundleClient {
	return &BundleClient{
		ctx:        ctx,
		bundleUrl:  bundleUrl,
		httpClient: defaultClient(),
	}
}

// GetBundle returns the latest bundle and its sequence number, or a nil
// bundle when none exists.
func (self *BundleClient) GetBundle(projectId Id) ([]byte, uint64, error) {
	request, err := http.NewRequestWithContext(self.ctx, http.MethodGet, fmt.Sprintf("%s/bundle/%s", self.bundleUrl, projectId), nil)
	if err != nil {
		return nil, 0, err
	}
	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusNoContent:
		return nil, 0, nil
	case http.StatusOK:
		sequenceNumber, _ := strconv.ParseUint(response.Header.Get("X-Sequence-Number"), 10, 64)
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, 0, err
		}
		return body, sequenceNumber, nil
	default:
		return nil, 0, fmt.Errorf("bundle get status %d", response.StatusCode)
	}
}

// PutBundle stores a bundle at a sequence number.
func (self *BundleClient) PutBundle(projectId Id, sequenceNumber uint64, bundle []byte) error {
	request, err := http.NewRequestWithContext(self.ctx, http.MethodPut, fmt.Sprintf("%s/bundle/%s", self.bundleUrl, projectId), bytes.NewReader(bundle))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/octet-stream")
	request.Header.Set("X-Sequence-Number", strconv.FormatUint(sequenceNumber, 10))
	response, err := self.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("bundle put status %d", response.StatusCode)
	}
	return nil
}
