package provider

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"agentrt/message"
)

// SanitizeSurrogates strips lone (unpaired) UTF-16 surrogates from s so
// provider JSON serializers never reject the payload. Valid surrogate
// pairs (used to encode astral characters) are left untouched.
func SanitizeSurrogates(s string) string {
	if !strings.ContainsRune(s, utf8.RuneError) && isASCIIFast(s) {
		return s
	}
	units := utf16.Encode([]rune(s))
	out := make([]uint16, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u >= 0xD800 && u <= 0xDBFF: // high surrogate
			if i+1 < len(units) && units[i+1] >= 0xDC00 && units[i+1] <= 0xDFFF {
				out = append(out, u, units[i+1])
				i++
			} // else: lone high surrogate, drop
		case u >= 0xDC00 && u <= 0xDFFF: // lone low surrogate
			// drop
		default:
			out = append(out, u)
		}
	}
	return string(utf16.Decode(out))
}

func isASCIIFast(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// MergeHeaders writes model-level then caller-supplied headers into dst,
// refusing to overwrite any key already present in protected (the
// authentication headers the adapter itself set).
func MergeHeaders(dst map[string]string, protected map[string]bool, layers ...map[string]string) {
	for _, layer := range layers {
		for k, v := range layer {
			if protected[strings.ToLower(k)] {
				continue
			}
			dst[k] = v
		}
	}
}

// CoalesceToolResults merges consecutive ToolResult messages into
// per-group slices, preserving relative order, so an adapter can emit one
// adjacent user turn per group instead of one per result (spec: "providers
// whose protocol forbids multiple tool-result turns").
func CoalesceToolResults(messages []message.Message) [][]message.Message {
	var groups [][]message.Message
	for _, m := range messages {
		if m.Role == message.RoleToolResult && len(groups) > 0 {
			last := groups[len(groups)-1]
			if len(last) > 0 && last[0].Role == message.RoleToolResult {
				groups[len(groups)-1] = append(last, m)
				continue
			}
		}
		groups = append(groups, []message.Message{m})
	}
	return groups
}

// ImagePlaceholderText is substituted for a dropped image when the target
// provider/model does not accept the "image" input modality but requires
// non-empty content at that position.
const ImagePlaceholderText = "(see attached image)"

// FilterImages drops ImageBlocks from blocks when the model does not
// advertise image input support, returning the filtered blocks and
// whether any image was actually dropped (callers use this to decide
// whether to append the placeholder text).
func FilterImages(model message.Model, blocks message.ContentBlocks) (message.ContentBlocks, bool) {
	if model.SupportsInput("image") {
		return blocks, false
	}
	var out message.ContentBlocks
	dropped := false
	for _, b := range blocks {
		if _, ok := b.(message.ImageBlock); ok {
			dropped = true
			continue
		}
		out = append(out, b)
	}
	return out, dropped
}
