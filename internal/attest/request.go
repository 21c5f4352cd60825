package attest

import (
	"strings"
)

// RequestTemplate derives a notarization request for a coin.
//
// URLTemplate may contain {coin} (as configured) and {COIN}/{coin_lower}
// placeholders.
type RequestTemplate struct {
	URLTemplate    string
	Method         string
	Selector       string
	ResponseFormat string
	ValueKind      string
	Precision      int
}

func (t RequestTemplate) Build(coin string) Request {
	url := strings.NewReplacer(
		"{COIN}", strings.ToUpper(coin),
		"{coin_lower}", strings.ToLower(coin),
		"{coin}", coin,
	).Replace(t.URLTemplate)
	return Request{
		URL:            url,
		Method:         defaultString(t.Method, "GET"),
		Selector:       t.Selector,
		ResponseFormat: defaultString(t.ResponseFormat, "json"),
		ValueKind:      defaultString(t.ValueKind, "float"),
		Precision:      t.Precision,
	}
}

// Merge overlays non-zero fields of o onto t.
func (t RequestTemplate) Merge(o RequestTemplate) RequestTemplate {
	if o.URLTemplate != "" {
		t.URLTemplate = o.URLTemplate
	}
	if o.Method != "" {
		t.Method = o.Method
	}
	if o.Selector != "" {
		t.Selector = o.Selector
	}
	if o.ResponseFormat != "" {
		t.ResponseFormat = o.ResponseFormat
	}
	if o.ValueKind != "" {
		t.ValueKind = o.ValueKind
	}
	if o.Precision != 0 {
		t.Precision = o.Precision
	}
	return t
}

func defaultString(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
