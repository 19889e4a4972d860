package downloader

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Doer is the transport used for every request; *utils.HTTPClient and
// *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ProbeResult struct {
	TotalSize      int64
	SupportsRanges bool
	FileName       string
	ETag           string
}

var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// Probe issues a HEAD request to learn the resource size and whether the
// server accepts byte ranges. Only transport failures and hard HTTP errors
// are returned as errors; missing headers degrade to an unknown size.
func Probe(ctx context.Context, client Doer, link string) (ProbeResult, error) {
	result := ProbeResult{TotalSize: -1}
	parsed, err := url.Parse(link)
	if err != nil {
		return result, &ProbeError{URL: link, Reason: "invalid URL", Err: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return result, &ProbeError{URL: link, Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return result, &ProbeError{URL: link, Reason: "error creating request", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result, &ProbeError{URL: link, Reason: transportReason(err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		log.Warn().Str("op", "downloader/probe").Int("status", resp.StatusCode).Msg("HEAD not supported, falling back to a single segment")
		result.FileName = fileNameFromURL(parsed)
		return result, nil
	case resp.StatusCode >= 400:
		return result, &ProbeError{URL: link, Reason: fmt.Sprintf("server returned %d", resp.StatusCode), Err: &StatusError{Code: resp.StatusCode}}
	}

	if resp.ContentLength > 0 {
		result.TotalSize = resp.ContentLength
	}
	result.SupportsRanges = acceptsByteRanges(resp.Header)
	result.ETag = resp.Header.Get("ETag")
	result.FileName = fileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	if result.FileName == "" {
		final := parsed
		if resp.Request != nil {
			final = resp.Request.URL
		}
		result.FileName = fileNameFromURL(final)
	}
	log.Debug().Str("op", "downloader/probe").Int64("size", result.TotalSize).Bool("ranges", result.SupportsRanges).Str("file", result.FileName).Msg("Probe complete")
	return result, nil
}

func acceptsByteRanges(h http.Header) bool {
	for _, v := range h.Values("Accept-Ranges") {
		if strings.Contains(strings.ToLower(v), "bytes") {
			return true
		}
	}
	return false
}

func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	// mime.ParseMediaType already decodes RFC 5987 filename* into "filename"
	if fn := params["filename"]; fn != "" {
		return fileNameRegex.ReplaceAllString(path.Base(fn), "_")
	}
	return ""
}

func fileNameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return fileNameRegex.ReplaceAllString(base, "_")
}

func transportReason(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
