package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrBodyTooLarge is returned when the request body exceeds the limit.
	ErrBodyTooLarge = errors.New("gate: request body too large")
	// ErrUnsupportedMediaType is returned for bodies that are neither JSON
	// nor a form.
	ErrUnsupportedMediaType = errors.New("gate: unsupported media type")
	// ErrUnsupportedBody is returned for a JSON body that parses but is a
	// non-empty array or scalar, which cannot carry the token field.
	ErrUnsupportedBody = errors.New("gate: request body is not an object")
)

// BodyStatus classifies what ExtractToken found in the request body.
type BodyStatus int

const (
	// BodyEmpty means there was nothing to verify.
	BodyEmpty BodyStatus = iota
	// BodyParsed means the body is a mapping; the token may still be absent.
	BodyParsed
	// BodyMalformed means the body could not be parsed as a mapping.
	BodyMalformed
)

func (s BodyStatus) String() string {
	switch s {
	case BodyEmpty:
		return "empty"
	case BodyParsed:
		return "parsed"
	case BodyMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Extraction is the outcome of reading the token field from a body.
type Extraction struct {
	Status BodyStatus
	// Token is empty when the field is absent.
	Token string
	// Present reports whether the field was in the body at all.
	Present bool
	// ParseErr explains a BodyMalformed status.
	ParseErr error
}

// ExtractToken reads field from the request body. The body is restored so
// the next handler can read it again. A body that fails to parse is reported
// as BodyMalformed; every other failure (I/O, size, media type, a JSON value
// that is not an object) is returned as an error. A body sent without a
// Content-Type is not interpreted and counts as empty.
func ExtractToken(r *http.Request, field string, maxBytes int64) (Extraction, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return Extraction{Status: BodyEmpty}, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	r.Body.Close()
	if err != nil {
		return Extraction{}, fmt.Errorf("gate: reading request body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return Extraction{}, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))

	if len(bytes.TrimSpace(data)) == 0 {
		return Extraction{Status: BodyEmpty}, nil
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return Extraction{Status: BodyEmpty}, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return fromJSON(data, field)
	case mediaType == "application/x-www-form-urlencoded":
		return fromURLEncoded(data, field), nil
	case mediaType == "multipart/form-data":
		return fromMultipart(data, params["boundary"], field, maxBytes), nil
	default:
		return Extraction{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
}

func malformed(err error) Extraction {
	return Extraction{Status: BodyMalformed, ParseErr: err}
}

func fromJSON(data []byte, field string) (Extraction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var body interface{}
	if err := dec.Decode(&body); err != nil {
		return malformed(err), nil
	}
	if dec.More() {
		return malformed(errors.New("trailing data after JSON value")), nil
	}

	if v, ok := body.(map[string]interface{}); ok {
		if len(v) == 0 {
			return Extraction{Status: BodyEmpty}, nil
		}
		raw, ok := v[field]
		return Extraction{Status: BodyParsed, Token: tokenString(raw), Present: ok}, nil
	}
	if isEmptyJSON(body) {
		return Extraction{Status: BodyEmpty}, nil
	}
	return Extraction{}, fmt.Errorf("%w: got %s", ErrUnsupportedBody, jsonKind(body))
}

// isEmptyJSON reports whether a decoded non-object value holds nothing:
// null, false, zero, an empty string or an empty array.
func isEmptyJSON(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case []interface{}:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// tokenString renders scalar JSON values; composite values cannot be tokens.
func tokenString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func fromURLEncoded(data []byte, field string) Extraction {
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return malformed(err)
	}
	if len(values) == 0 {
		return Extraction{Status: BodyEmpty}
	}
	return Extraction{Status: BodyParsed, Token: values.Get(field), Present: values.Has(field)}
}

func fromMultipart(data []byte, boundary, field string, maxBytes int64) Extraction {
	if boundary == "" {
		return malformed(errors.New("multipart body without boundary"))
	}
	form, err := multipart.NewReader(bytes.NewReader(data), boundary).ReadForm(maxBytes)
	if err != nil {
		return malformed(err)
	}
	defer form.RemoveAll()

	if len(form.Value) == 0 && len(form.File) == 0 {
		return Extraction{Status: BodyEmpty}
	}
	values, ok := form.Value[field]
	token := ""
	if ok && len(values) > 0 {
		token = values[0]
	}
	return Extraction{Status: BodyParsed, Token: token, Present: ok}
}
