package models

import (
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/fetch"
)

// FetchRequest asks the service to fetch a page through the bypass layer.
type FetchRequest struct {
	URL       string            `json:"url" format:"uri" doc:"Page to fetch"`
	UserAgent string            `json:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Cookies   []Cookie          `json:"cookies,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty" minimum:"0" maximum:"600000"`
}

// Options converts r to fetcher options.
func (r FetchRequest) Options() fetch.Options {
	opts := fetch.Options{
		UserAgent: r.UserAgent,
		Headers:   r.Headers,
		Timeout:   time.Duration(r.TimeoutMs) * time.Millisecond,
	}
	for _, c := range r.Cookies {
		opts.Cookies = append(opts.Cookies, c.HTTPCookie())
	}
	return opts
}

// ChallengeView reports what the detector saw on the final response.
type ChallengeView struct {
	Challenged bool   `json:"challenged"`
	Type       string `json:"type,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// FetchResponse is the result of a fetch.
type FetchResponse struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	StatusCode  int                 `json:"statusCode"`
	ContentType string              `json:"contentType,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Body        string              `json:"body"`
	Links       []string            `json:"links,omitempty"`
	Bypassed    bool                `json:"bypassed"`
	Challenge   ChallengeView       `json:"challenge"`
	FetchedAt   time.Time           `json:"fetchedAt"`
	DurationMs  int64               `json:"durationMs"`
}

// FetchResponseFrom converts a fetch result.
func FetchResponseFrom(res *fetch.Result) FetchResponse {
	return FetchResponse{
		ID:          res.ID,
		URL:         res.URL,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Headers:     map[string][]string(res.Headers.Clone()),
		Body:        string(res.Body),
		Links:       res.Links,
		Bypassed:    res.Bypassed,
		Challenge: ChallengeView{
			Challenged: res.Challenge.Challenged,
			Type:       string(res.Challenge.Type),
			Confidence: res.Challenge.Confidence,
			Reason:     res.Challenge.Reason,
		},
		FetchedAt:  res.FetchedAt,
		DurationMs: res.Duration.Milliseconds(),
	}
}

