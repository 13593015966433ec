package network

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meshlink/meshlink/core"
)

// DefaultHTTPTimeout is the connect+round-trip budget for a proxied
// Internet call.
const DefaultHTTPTimeout = 5 * time.Second

// httpProxyClient performs the Internet proxy call described by the wire
// contract: POST, application/json, X-Sequence/X-Hops/X-Proxy/X-Originator/
// X-Test headers, body forwarded verbatim, status and body text reported
// back. Concurrent calls sharing the same (URL, sequence, test ID) are
// deduplicated via singleflight so calls that overlap in time share one
// outbound request; a call made after an earlier one finished is sent again.
type httpProxyClient struct {
	client *http.Client
	group  singleflight.Group
}

func newHTTPProxyClient(timeout time.Duration) *httpProxyClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &httpProxyClient{
		client: &http.Client{Timeout: timeout},
	}
}

// proxyResult is the outcome of a single Do call.
type proxyResult struct {
	code int
	body string
}

// Do performs the external call on behalf of originator, proxied through
// proxy (the host instance making the outbound request), at the given hop
// count. url and body are taken from the Internet packet (or the direct
// send_internet call) verbatim.
func (c *httpProxyClient) Do(ctx context.Context, seq uint16, hopCount uint8, proxy, originator core.Instance, testID uint32, url string, body []byte) (int, string, error) {
	key := fmt.Sprintf("%s|%d|%d", url, seq, testID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.do(ctx, seq, hopCount, proxy, originator, testID, url, body)
	})
	if err != nil {
		return 0, "", err
	}
	res := v.(proxyResult)
	return res.code, res.body, nil
}

func (c *httpProxyClient) do(ctx context.Context, seq uint16, hopCount uint8, proxy, originator core.Instance, testID uint32, url string, body []byte) (proxyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return proxyResult{}, fmt.Errorf("%w: %v", core.ErrExternalHTTPFailure, err)
	}
	proxyID, originatorID := proxy.ID(), originator.ID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sequence", strconv.Itoa(int(seq)))
	req.Header.Set("X-Hops", strconv.Itoa(int(hopCount)))
	req.Header.Set("X-Proxy", hex.EncodeToString(proxyID[:]))
	req.Header.Set("X-Originator", hex.EncodeToString(originatorID[:]))
	req.Header.Set("X-Test", strconv.FormatUint(uint64(testID), 10))

	resp, err := c.client.Do(req)
	if err != nil {
		return proxyResult{}, fmt.Errorf("%w: %v", core.ErrExternalHTTPFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return proxyResult{}, fmt.Errorf("%w: %v", core.ErrExternalHTTPFailure, err)
	}
	return proxyResult{code: resp.StatusCode, body: string(respBody)}, nil
}
