package deposit

import "strings"

// The feed renders long addresses with an ellipsis, so full-length equality
// is not always available. When either side is truncated, a match is accepted
// if the first and last 6 hex characters agree.
const matchChars = 6

func normalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	return s
}

func headTail(s string) (head, tail string, truncated bool) {
	n := normalizeHex(s)
	for _, sep := range []string{"...", "…"} {
		if idx := strings.Index(n, sep); idx >= 0 {
			return n[:idx], n[idx+len(sep):], true
		}
	}
	return n, n, false
}

// AddressesMatch compares an observed (possibly truncated) address against an
// expected one, case-insensitively and ignoring any 0x prefix.
func AddressesMatch(observed, expected string) bool {
	oHead, oTail, oTrunc := headTail(observed)
	eHead, eTail, eTrunc := headTail(expected)
	if oHead == "" && oTail == "" {
		return false
	}
	if eHead == "" && eTail == "" {
		return false
	}
	if !oTrunc && !eTrunc {
		return oHead == eHead
	}
	return prefixAgrees(oHead, eHead) && suffixAgrees(oTail, eTail)
}

func prefixAgrees(a, b string) bool {
	n := matchChars
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return false
	}
	return a[:n] == b[:n]
}

func suffixAgrees(a, b string) bool {
	n := matchChars
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return false
	}
	return a[len(a)-n:] == b[len(b)-n:]
}
