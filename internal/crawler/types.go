package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RenderingMethod names how a page's markup was obtained.
type RenderingMethod string

// Supported rendering methods.
const (
	RenderHTTP      RenderingMethod = "http"
	RenderHeadless  RenderingMethod = "headless"
	RenderFirecrawl RenderingMethod = "firecrawl"
)

// BatchStatus is the terminal state of a bulk fetch job.
type BatchStatus string

// Terminal batch states reported by bulk fetchers.
const (
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

var (
	// ErrNoContent marks a fetched page whose Markdown body is blank.
	ErrNoContent = errors.New("no valid content")
	// ErrNotFound is returned by stores when an object does not exist.
	ErrNotFound = errors.New("not found")
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// ScrapedPage is one fetched documentation page.
type ScrapedPage struct {
	URL             string          `json:"url"`
	SourceURL       string          `json:"source_url"`
	Markdown        string          `json:"markdown"`
	HTML            string          `json:"html,omitempty"`
	Title           string          `json:"title,omitempty"`
	Description     string          `json:"description,omitempty"`
	Language        string          `json:"language,omitempty"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RenderingMethod RenderingMethod `json:"rendering_method,omitempty"`
	VueDetected     bool            `json:"vue_detected,omitempty"`
	FetchedAt       time.Time       `json:"fetched_at"`
}

// FailedPage builds the record kept for a URL that could not be fetched.
func FailedPage(url string, err error) ScrapedPage {
	page := ScrapedPage{URL: url, SourceURL: url}
	page.MarkFailed(err.Error())
	return page
}

// MarkFailed flags the page as unusable.
func (p *ScrapedPage) MarkFailed(msg string) {
	p.Success = false
	p.ErrorMessage = msg
}

// HasContent reports whether the page carries a non-blank Markdown body.
func (p ScrapedPage) HasContent() bool {
	return strings.TrimSpace(p.Markdown) != ""
}

// Batch is the result of a bulk fetch job.
type Batch struct {
	Status BatchStatus
	Pages  []ScrapedPage
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// IsNotFound reports whether err is a 404 StatusError or ErrNotFound.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
