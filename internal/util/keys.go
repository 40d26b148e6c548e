package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RedactKey returns a short stable digest of k, safe to put in logs.
func RedactKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	".", `\.`,
	"*", `\*`,
	"?", `\?`,
	"|", `\|`,
	"#", `\#`,
	"@", `\@`,
	"!", `\!`,
	"=", `\=`,
	"<", `\<`,
	">", `\>`,
	"%", `\%`,
	":", `\:`,
)

// EscapePath escapes a JSON member name so gjson/sjson treat it as one literal
// path component.
func EscapePath(member string) string {
	return pathEscaper.Replace(member)
}
