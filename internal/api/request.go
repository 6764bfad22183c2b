package api

import (
	"errors"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/JakeFAU/docs-aggregator/internal/discovery"
)

const maxRequestPages = 5000

// Request is the body of POST /v1/aggregate and /v1/discover. Nil pointers
// take the server's configured defaults.
type Request struct {
	URL               string   `json:"url"`
	AllowedPath       string   `json:"allowed_path"`
	MaxPages          int      `json:"max_pages"`
	IncludeTOC        *bool    `json:"include_toc"`
	TOCMaxLevel       *int     `json:"toc_max_level"`
	NormalizeHeadings *bool    `json:"normalize_headings"`
	Strategies        []string `json:"strategies"`
	Title             string   `json:"title"`
	Overwrite         bool     `json:"overwrite"`
}

// Validate checks the request shape before any work starts.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required, validation.By(absoluteHTTP)),
		validation.Field(&r.AllowedPath, validation.By(slashDelimited)),
		validation.Field(&r.MaxPages, validation.Min(0), validation.Max(maxRequestPages)),
		validation.Field(&r.TOCMaxLevel, validation.Min(1), validation.Max(6)),
		validation.Field(&r.Strategies, validation.Each(validation.By(knownStrategy))),
	)
}

func absoluteHTTP(value any) error {
	raw, _ := value.(string)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

func slashDelimited(value any) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/") {
		return errors.New("must start and end with /")
	}
	return nil
}

func knownStrategy(value any) error {
	name, _ := value.(string)
	if !discovery.KnownStrategy(name) {
		return errors.New("unknown strategy")
	}
	return nil
}
