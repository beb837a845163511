// Package inventory implements InventoryClient (§4.4): a thin HTTP+JSON
// client over the external inventory API, with pagination on fetch and
// conditional PATCH on write. go-retryablehttp is adopted from the retrieval
// pack (helixml-helix) to give the "transient external" error class of §7 a
// concrete retry policy rather than a single bare http.Client.Do.
package inventory

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/pathwar/pathwar-hypervisor/internal/model"
)

// Client is the inventory API client.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     hclog.Logger
}

// New constructs a Client against baseURL. TLS verification is disabled,
// per §4.4 ("TLS verification is disabled in this deployment").
func New(baseURL string, logger hclog.Logger) *Client {
	named := logger.Named("inventory-client")

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = &leveledLogger{logger: named}
	retryClient.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // nolint:gosec
	}
	// Once retries are exhausted, hand back the last response instead of an
	// error so callers see its status; only a request that got no response
	// at all is an error.
	retryClient.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, err
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: retryClient,
		logger:     named,
	}
}

type desiredPage struct {
	Items []model.DesiredInstance `json:"_items"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// FetchDesired GETs the paginated list of desired instances, following the
// _links.next.href cursor until exhausted, per §4.4. A non-200 response
// yields the empty list rather than an error, matching the source's
// posture of treating the desired list as best-effort on any given pass.
func (c *Client) FetchDesired() ([]model.DesiredInstance, error) {
	url := fmt.Sprintf("%s/hypervisor-level-instances?embedded=%s", c.baseURL, `{"level":1}`)

	var all []model.DesiredInstance
	for url != "" {
		page, next, err := c.fetchPage(url)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		url = next
	}
	return all, nil
}

func (c *Client) fetchPage(url string) ([]model.DesiredInstance, string, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed building fetch-desired request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed fetching desired instances")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("non-200 fetching desired instances, yielding empty page", "status", resp.StatusCode)
		return nil, "", nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed reading desired instances response")
	}

	var page desiredPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", errors.Wrap(err, "failed decoding desired instances response")
	}
	return page.Items, page.Links.Next.Href, nil
}

type patchBody struct {
	PrivateURLs []urlEntry          `json:"private_urls"`
	URLs        []urlEntry          `json:"urls"`
	Passphrases []model.Passphrase `json:"passphrases"`
}

type urlEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// PatchObserved PATCHes the realized state of instance back to the
// inventory, per §4.4. Hard failure on network error; the response status
// code is not inspected further, matching the source's "fire the PATCH and
// move on" posture.
func (c *Client) PatchObserved(instance model.DesiredInstance, level model.Level, httpLevelPort int) error {
	body := patchBody{
		PrivateURLs: []urlEntry{{Name: "http", URL: fmt.Sprintf("http://%s:%d/", level.Address, httpLevelPort)}},
		URLs:        []urlEntry{{Name: "http", URL: fmt.Sprintf("http://%s.levels.pathwar.net:80/", instance.ID)}},
		Passphrases: level.Passphrases,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed encoding patch-observed body")
	}

	url := fmt.Sprintf("%s/raw-level-instances/%s", c.baseURL, instance.ID)
	req, err := retryablehttp.NewRequest(http.MethodPatch, url, bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, "failed building patch-observed request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", instance.ETag)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed patching observed state for instance %s", instance.ID)
	}
	defer resp.Body.Close()
	return nil
}

// leveledLogger adapts hclog.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger hclog.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}
