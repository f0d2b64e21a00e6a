// Package protection classifies HTTP responses that carry a Cloudflare challenge.
package protection

import (
	"bytes"
	"net/http"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ChallengeStatusCodes are the statuses a challenge page is served with.
var ChallengeStatusCodes = []int{
	http.StatusForbidden,
	http.StatusServiceUnavailable,
	http.StatusTooManyRequests,
	520, 521, 522,
}

// ChallengeType names the kind of challenge page.
type ChallengeType string

const (
	TypeNone         ChallengeType = ""
	TypeCloudflare   ChallengeType = "cloudflare"
	TypeJS           ChallengeType = "cloudflare_js"
	TypeInterstitial ChallengeType = "cloudflare_interstitial"
	TypeTurnstile    ChallengeType = "cloudflare_turnstile"
)

// IsChallengeStatus reports whether code is one a challenge is served with.
func IsChallengeStatus(code int) bool {
	return slices.Contains(ChallengeStatusCodes, code)
}

// IsChallengeServer reports whether the Server header names Cloudflare.
func IsChallengeServer(h http.Header) bool {
	if h == nil {
		return false
	}
	return strings.Contains(strings.ToLower(h.Get("Server")), "cloudflare")
}

// IsChallenged reports whether a response should be handed to the bypass manager.
func IsChallenged(status int, h http.Header) bool {
	return IsChallengeStatus(status) && IsChallengeServer(h)
}

var (
	turnstileSelectors = []string{
		".cf-turnstile",
		`iframe[src*="challenges.cloudflare.com"]`,
		`script[src*="turnstile"]`,
	}
	jsSelectors = []string{
		"#challenge-form",
		"#challenge-running",
		"#cf-challenge-running",
		".challenge-running",
		"#cf-browser-verification",
		`script[src*="/cdn-cgi/challenge-platform/"]`,
	}
	interstitialSelectors = []string{
		"#cf-error-details",
		".cf-error-title",
		"#cf-wrapper",
	}

	jsTitles           = []string{"just a moment", "please wait", "checking your browser"}
	interstitialTitles = []string{"attention required", "access denied"}
)

// ClassifyChallenge inspects a challenge page body. Pages that match none of the
// known layouts but still mention Cloudflare return TypeCloudflare.
func ClassifyChallenge(body []byte) ChallengeType {
	if len(bytes.TrimSpace(body)) == 0 {
		return TypeNone
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return TypeNone
	}

	if matchesAny(doc, turnstileSelectors) {
		return TypeTurnstile
	}

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	if matchesAny(doc, jsSelectors) || containsAny(title, jsTitles) || hasChallengeScript(doc) {
		return TypeJS
	}
	if matchesAny(doc, interstitialSelectors) || containsAny(title, interstitialTitles) {
		return TypeInterstitial
	}

	text := strings.ToLower(doc.Text())
	if strings.Contains(text, "cloudflare") || strings.Contains(text, "ray id") {
		return TypeCloudflare
	}
	return TypeNone
}

func matchesAny(doc *goquery.Document, selectors []string) bool {
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasChallengeScript(doc *goquery.Document) bool {
	found := false
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(s.Text(), "_cf_chl_opt") {
			found = true
			return false
		}
		return true
	})
	return found
}

// Detection is the result of inspecting a full response.
type Detection struct {
	// Challenged is true when the response satisfies IsChallenged.
	Challenged bool

	// Type is the classified challenge type.
	Type ChallengeType

	// Confidence is a score from 0-100.
	Confidence int

	// Reason is a short explanation for logs and API responses.
	Reason string
}

// Detector combines status, header and body signals.
type Detector struct {
	// MaxBodyBytes bounds how much of the body is parsed.
	MaxBodyBytes int
}

// NewDetector creates a detector with default settings.
func NewDetector() *Detector {
	return &Detector{MaxBodyBytes: 512 << 10}
}

// Detect inspects a response. A cf-mitigated: challenge header raises confidence
// but does not by itself mark the response as challenged.
func (d *Detector) Detect(status int, h http.Header, body []byte) Detection {
	if !IsChallenged(status, h) {
		if h != nil && h.Get("cf-mitigated") == "challenge" {
			return Detection{
				Type:       TypeCloudflare,
				Confidence: 50,
				Reason:     "cf-mitigated header without a challenge status",
			}
		}
		return Detection{}
	}

	if d.MaxBodyBytes > 0 && len(body) > d.MaxBodyBytes {
		body = body[:d.MaxBodyBytes]
	}

	t := ClassifyChallenge(body)
	det := Detection{Challenged: true, Type: t, Confidence: 70}
	switch t {
	case TypeTurnstile:
		det.Confidence = 95
		det.Reason = "Cloudflare Turnstile widget"
	case TypeJS:
		det.Confidence = 90
		det.Reason = "Cloudflare JavaScript challenge"
	case TypeInterstitial:
		det.Confidence = 85
		det.Reason = "Cloudflare interstitial block page"
	default:
		det.Type = TypeCloudflare
		det.Reason = "challenge status from a Cloudflare edge"
	}
	if h.Get("cf-mitigated") == "challenge" {
		det.Confidence = min(det.Confidence+5, 100)
	}
	return det
}
