package main

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// tvnet article URLs start with the numeric id right after the domain:
	// https://www.tvnet.lv/8012345/some-slug
	tvnetIDRe = regexp.MustCompile(`tvnet\.lv/(\d+)`)
	digitsRe  = regexp.MustCompile(`^\d+$`)
)

// extractTvnetID returns the first digit run following "tvnet.lv/".
func extractTvnetID(rawURL string) (string, error) {
	m := tvnetIDRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrIdentifier, rawURL)
	}
	return m[1], nil
}

// extractDelfiID returns the last all-digit segment enclosed by slashes.
// delfi URLs carry section ids before the article id, so the last one wins:
// https://www.delfi.lv/193/politics/120045678/slug
func extractDelfiID(rawURL string) (string, error) {
	segments := strings.Split(rawURL, "/")
	// The first and last pieces are not enclosed by slashes on both sides.
	for i := len(segments) - 2; i >= 1; i-- {
		if isNumericID(segments[i]) {
			return segments[i], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrIdentifier, rawURL)
}

// resolveArticleURL works out which source a pasted URL belongs to and
// extracts its article id.
func resolveArticleURL(rawURL string) (Source, string, error) {
	rawURL = strings.TrimSpace(rawURL)
	switch {
	case strings.Contains(rawURL, "tvnet.lv"):
		id, err := extractTvnetID(rawURL)
		return sourceTvnet, id, err
	case strings.Contains(rawURL, "delfi.lv"):
		id, err := extractDelfiID(rawURL)
		return sourceDelfi, id, err
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedSource, rawURL)
}

func isNumericID(id string) bool {
	return digitsRe.MatchString(id)
}
