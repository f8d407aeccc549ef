package ingest

// maxNameLen bounds sanitized document names.
const maxNameLen = 255

// SanitizeName canonicalizes a document name: characters outside
// [A-Za-z0-9._-] become '_', and the result is truncated to 255 bytes.
func SanitizeName(name string) string {
	b := []byte(name)
	if len(b) > maxNameLen {
		b = b[:maxNameLen]
	}
	out := make([]byte, len(b))
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
