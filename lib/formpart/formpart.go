// Package formpart extracts the uploaded file from a multipart/form-data
// body by byte search.
//
// The one upload shape served here is fixed, so this deliberately does not
// implement general MIME parsing: it locates the first boundary, the
// filename= parameter, the blank line ending the part headers and the
// closing boundary, in that order. The search order matters - payloads may
// contain arbitrary binary data, and metadata fields before the file part
// may contain boundary-like substrings.
//
// RFC 1521, Section 4; RFC 7578, Section 4.1; RFC 2046, Section 5.1.1
package formpart

import (
	"bytes"
	"regexp"
)

// FormatError reports a malformed body. It is distinct from backend
// errors so the dispatcher can short-circuit without a backend call.
type FormatError struct {
	Marker string // the marker that was not found
}

func (e *FormatError) Error() string {
	return "multipart marker " + e.Marker + " not found"
}

var boundaryMatcher = regexp.MustCompile(`;\s*boundary="?([^";]+)"?`)

// Boundary extracts the boundary token from a Content-Type header value.
// Surrounding quotes are optional.
func Boundary(contentType string) (string, error) {
	m := boundaryMatcher.FindStringSubmatch(contentType)
	if m == nil {
		return "", &FormatError{Marker: "boundary="}
	}
	return m[1], nil
}

// search finds needle in haystack at or after offset, or fails with a
// FormatError naming the marker.
func search(haystack, needle []byte, offset int, marker string) (int, error) {
	if offset > len(haystack) {
		return 0, &FormatError{Marker: marker}
	}
	i := bytes.Index(haystack[offset:], needle)
	if i < 0 {
		return 0, &FormatError{Marker: marker}
	}
	return offset + i, nil
}

// Decode returns the file payload and its filename field from body.
//
// The payload may contain arbitrary binary bytes including boundary-like
// substrings in the metadata fields before it, so the markers are located
// strictly in order: boundary, filename=", blank line, next boundary.
func Decode(body []byte, boundary string) (payload []byte, filename string, err error) {
	token := []byte("--" + boundary)

	start, err := search(body, token, 0, "boundary")
	if err != nil {
		return nil, "", err
	}
	start += len(token)

	marker := []byte(`filename="`)
	filenameStart, err := search(body, marker, start, `filename="`)
	if err != nil {
		return nil, "", err
	}
	filenameStart += len(marker)
	filenameEnd, err := search(body, []byte{'"'}, filenameStart, `"`)
	if err != nil {
		return nil, "", err
	}
	filename = string(body[filenameStart:filenameEnd])

	dataStart, err := search(body, []byte("\r\n\r\n"), start, `\r\n\r\n`)
	if err != nil {
		return nil, "", err
	}
	dataStart += 4

	// the closing boundary is preceded by a line break
	end, err := search(body, token, dataStart, "closing boundary")
	if err != nil {
		return nil, "", err
	}
	end -= 2
	if end < dataStart {
		return nil, "", &FormatError{Marker: "payload"}
	}

	payload = make([]byte, end-dataStart)
	copy(payload, body[dataStart:end])
	return payload, filename, nil
}
