package udm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Directory is the collaborator the pre-fill controller drains: it yields
// the current object set of one topic.
type Directory interface {
	ListObjects(ctx context.Context, topic string) ([]map[string]any, error)
}

// Config holds the directory REST endpoint settings, used by pre-fill only.
type Config struct {
	URL      string
	User     string
	Password string
	PageSize int
	Timeout  time.Duration
}

// Client talks to the UDM REST API over HTTP Basic.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type listPage struct {
	Embedded struct {
		Objects []map[string]any `json:"udm:object"`
	} `json:"_embedded"`
}

// ListObjects pages through all objects of the given topic, e.g.
// "users/user". The order within a topic follows the directory's listing
// order.
func (c *Client) ListObjects(ctx context.Context, topic string) ([]map[string]any, error) {
	var all []map[string]any
	for page := 1; ; page++ {
		objs, err := c.listPage(ctx, topic, page)
		if err != nil {
			return nil, err
		}
		all = append(all, objs...)
		if len(objs) < c.cfg.PageSize {
			return all, nil
		}
	}
}

func (c *Client) listPage(ctx context.Context, topic string, page int) ([]map[string]any, error) {
	endpoint := strings.TrimSuffix(c.cfg.URL, "/") + "/" + topic + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	req.URL.RawQuery = q.Encode()
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s page %d: %w", topic, page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s page %d: unexpected status %s", topic, page, resp.Status)
	}
	var body listPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list %s page %d: decode: %w", topic, page, err)
	}
	return body.Embedded.Objects, nil
}
