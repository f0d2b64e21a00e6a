// Package challenge inspects live renderer pages for Cloudflare challenges.
package challenge

import (
	"context"
	"net/http"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/refyne-bypass/internal/protection"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
)

// DefaultPollInterval is how often WaitForClearance checks the cookie store.
const DefaultPollInterval = 500 * time.Millisecond

// Page is the subset of *rod.Page the detector reads.
type Page interface {
	HTML() (string, error)
	Cookies(urls []string) ([]*proto.NetworkCookie, error)
}

// Detector detects challenges on renderer pages.
type Detector struct {
	PollInterval time.Duration
}

// NewDetector creates a new challenge detector.
func NewDetector() *Detector {
	return &Detector{PollInterval: DefaultPollInterval}
}

// Detect classifies the page's current document.
func (d *Detector) Detect(page Page) (protection.ChallengeType, error) {
	html, err := page.HTML()
	if err != nil {
		return protection.TypeNone, err
	}
	return protection.ClassifyChallenge([]byte(html)), nil
}

// WaitForClearance polls the cookies visible to pageURL until a cf_clearance
// cookie with a value other than previous appears. It returns every cookie for
// the URL at that point.
func (d *Detector) WaitForClearance(ctx context.Context, page Page, pageURL, previous string) ([]*http.Cookie, error) {
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cookies, ok, err := CheckClearance(page, pageURL, previous)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			return cookies, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckClearance reads the cookies for pageURL once. ok is true when they hold a
// cf_clearance value other than previous.
func CheckClearance(page Page, pageURL, previous string) (cookies []*http.Cookie, ok bool, err error) {
	raw, err := page.Cookies([]string{pageURL})
	if err != nil {
		return nil, false, err
	}
	for _, c := range raw {
		if c.Name == solver.ClearanceCookie && c.Value != "" && c.Value != previous {
			return ConvertCookies(raw), true, nil
		}
	}
	return nil, false, nil
}

// ConvertCookies converts renderer cookies to net/http cookies.
func ConvertCookies(cookies []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		switch c.SameSite {
		case proto.NetworkCookieSameSiteStrict:
			hc.SameSite = http.SameSiteStrictMode
		case proto.NetworkCookieSameSiteLax:
			hc.SameSite = http.SameSiteLaxMode
		case proto.NetworkCookieSameSiteNone:
			hc.SameSite = http.SameSiteNoneMode
		}
		out = append(out, hc)
	}
	return out
}
