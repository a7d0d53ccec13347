package llm

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// dataURL is a decoded data:<mime>;base64,<payload> image reference.
type dataURL struct {
	MIMEType string
	Base64   string
}

func parseDataURL(s string) (dataURL, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return dataURL{}, fmt.Errorf("image is not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return dataURL{}, fmt.Errorf("data URL has no payload")
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return dataURL{}, fmt.Errorf("data URL is not base64 encoded")
	}
	if mime == "" {
		mime = "image/png"
	}
	return dataURL{MIMEType: mime, Base64: payload}, nil
}

func (d dataURL) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(d.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return b, nil
}
