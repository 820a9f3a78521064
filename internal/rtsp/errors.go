package rtsp

import "strings"

// Category classifies pipeline errors for logs and reconnect decisions.
// Network errors are worth retrying; auth and codec errors rarely are,
// but retry anyway with backoff since cameras reboot and fix themselves.
type Category int

const (
	CategoryNetwork Category = iota
	CategoryCodec
	CategoryAuth
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Classify buckets a GStreamer error by message heuristics. go-gst's
// GError exposes no domain, so string matching is what there is; the
// caller passes the error text and debug string already lowercased or
// not, both are normalized here.
func Classify(errMsg, debug string) Category {
	errMsg = strings.ToLower(errMsg)
	debug = strings.ToLower(debug)

	switch {
	case containsAny(errMsg, debug, authKeywords):
		return CategoryAuth
	case containsAny(errMsg, debug, codecKeywords):
		return CategoryCodec
	case containsAny(errMsg, debug, networkKeywords):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

var (
	authKeywords = []string{
		"unauthorized",
		"401",
		"authentication",
		"not authorized",
		"permission denied",
		"forbidden",
	}
	codecKeywords = []string{
		"decode",
		"codec",
		"h264",
		"parse",
		"format",
		"caps",
		"not-negotiated",
	}
	networkKeywords = []string{
		"connection",
		"timeout",
		"timed out",
		"refused",
		"unreachable",
		"network",
		"resolve",
		"could not open resource",
		"socket",
		"eof",
	}
)

func containsAny(errMsg, debug string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(errMsg, k) || strings.Contains(debug, k) {
			return true
		}
	}
	return false
}
