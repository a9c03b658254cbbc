package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultFetchMaxChars = 20000
	fetchMaxRedirects    = 3
	fetchUserAgent       = "avatar-shell/1 (+https://github.com/mfukushim/avatar-shell)"
)

var errPrivateAddress = errors.New("address is private or loopback")

// WebCatalog lets an avatar read web pages. Its single tool, fetch, is
// usually configured as "ask" so every page load goes through consent.
type WebCatalog struct {
	client   *http.Client
	maxChars int
	// AllowPrivate permits loopback and private targets (tests, LAN setups).
	AllowPrivate bool
}

func NewWebCatalog(maxChars int) *WebCatalog {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	w := &WebCatalog{maxChars: maxChars}
	w.client = &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return w.checkHost(req.Context(), req.URL)
		},
	}
	return w
}

func (w *WebCatalog) Name() string { return "web" }

func (w *WebCatalog) ListTools() []Descriptor {
	return []Descriptor{{
		Name:        "fetch",
		Description: "Fetch an http(s) URL and return its readable text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "HTTP or HTTPS URL"},
			},
			"required": []string{"url"},
		},
	}}
}

func (w *WebCatalog) Invoke(ctx context.Context, tool string, input map[string]any) (*Result, error) {
	if tool != "fetch" {
		return nil, fmt.Errorf("web: unknown tool %q", tool)
	}
	raw, _ := input["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return ErrorResult("fetch: a valid url is required"), nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrorResult("fetch: only http and https URLs are supported"), nil
	}
	if err := w.checkHost(ctx, u); err != nil {
		return ErrorResult("fetch: " + err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/json,text/plain;q=0.9,*/*;q=0.5")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(w.maxChars*4)))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("fetch: %s returned %d", u.Host, resp.StatusCode)), nil
	}

	text := pageText(resp.Header.Get("Content-Type"), body)
	if r := []rune(text); len(r) > w.maxChars {
		text = string(r[:w.maxChars]) + "\n[truncated]"
	}
	return NewResult(fmt.Sprintf("<web_content url=%q>\n%s\n</web_content>", resp.Request.URL.String(), text)), nil
}

// checkHost rejects targets that resolve to loopback, private or
// link-local addresses.
func (w *WebCatalog) checkHost(ctx context.Context, u *url.URL) error {
	if w.AllowPrivate {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing hostname")
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		ip := a.IP
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%s: %w", host, errPrivateAddress)
		}
	}
	return nil
}
