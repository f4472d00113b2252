package collyfetcher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errMalformedDataURL = errors.New("malformed data url")

func isDataURL(raw string) bool {
	return len(raw) >= 5 && strings.EqualFold(raw[:5], "data:")
}

// decodeDataURL returns the payload of a data: URL. Base64 payloads are
// decoded leniently; anything else is percent-decoded.
func decodeDataURL(raw string) ([]byte, error) {
	rest := raw[len("data:"):]
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, errMalformedDataURL
	}
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(meta)), ";base64") {
		payload = strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, payload)
		if unescaped, err := url.PathUnescape(payload); err == nil {
			payload = unescaped
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedDataURL, err)
		}
		return data, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedDataURL, err)
	}
	return []byte(data), nil
}
