package normalize

import (
	"net/mail"
	"regexp"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	"github.com/matheus3301/gmarchive/internal/store"
)

var (
	spfRe   = regexp.MustCompile(`(?i)\bspf=(\w+)`)
	dkimRe  = regexp.MustCompile(`(?i)\bdkim=(\w+)`)
	dmarcRe = regexp.MustCompile(`(?i)\bdmarc=(\w+)`)
)

// parseAddresses reads an address list header. Lists that fail RFC 5322
// parsing are split loosely instead of dropped.
func parseAddresses(h gomail.Header, key string, res *Result) []*mail.Address {
	list, err := h.AddressList(key)
	if err == nil {
		return list
	}
	raw := h.Get(key)
	res.warn("%s %q: %v", strings.ToLower(key), raw, err)
	return looseAddresses(raw)
}

func looseAddresses(raw string) []*mail.Address {
	var out []*mail.Address
	for _, item := range splitOutsideQuotes(raw) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		a := &mail.Address{}
		if lt := strings.LastIndex(item, "<"); lt >= 0 && strings.HasSuffix(item, ">") {
			a.Name = strings.Trim(strings.TrimSpace(item[:lt]), `"`)
			a.Address = strings.TrimSpace(item[lt+1 : len(item)-1])
		} else if strings.Contains(item, "@") {
			a.Address = item
		} else {
			a.Name = strings.Trim(item, `"`)
		}
		out = append(out, a)
	}
	return out
}

func splitOutsideQuotes(s string) []string {
	var parts []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}

// authResults extracts spf, dkim and dmarc verdicts.
func authResults(v string) (spf, dkim, dmarc string) {
	find := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(v); m != nil {
			return strings.ToLower(m[1])
		}
		return ""
	}
	return find(spfRe), find(dkimRe), find(dmarcRe)
}

// captureHeaders keeps X- headers and Received hops in delivery order.
func captureHeaders(headers []mailbox.Header) []store.HeaderField {
	var out []store.HeaderField
	var nx, nr int
	for _, h := range headers {
		switch {
		case len(h.Name) > 2 && strings.EqualFold(h.Name[:2], "x-"):
			out = append(out, store.HeaderField{Kind: "x", Position: nx, Name: h.Name, Value: h.Value})
			nx++
		case strings.EqualFold(h.Name, "Received"):
			out = append(out, store.HeaderField{Kind: "received", Position: nr, Name: h.Name, Value: h.Value})
			nr++
		}
	}
	return out
}
