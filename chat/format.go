package chat

import (
	"sort"
	"strings"
	"time"
)

// SendOptions scopes an outbound line.
type SendOptions struct {
	Channel string            // wraps the text in "PRIVMSG <channel> :"
	Tags    map[string]string // client tags, IRC-escaped
	Timeout time.Duration     // correlation timeout override for Command
}

var tagEscaper = strings.NewReplacer(`\`, `\\`, " ", `\s`, ";", `\:`, "\r", `\r`, "\n", `\n`)

// EscapeTag escapes a tag key or value for the wire.
func EscapeTag(s string) string { return tagEscaper.Replace(s) }

// NormalizeChannel lower-cases a channel name and ensures the leading '#'.
func NormalizeChannel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// FormatLine builds the wire form of text without the CRLF terminator. Tags
// are emitted in key order.
func FormatLine(text string, opts SendOptions) string {
	var b strings.Builder
	if len(opts.Tags) > 0 {
		keys := make([]string, 0, len(opts.Tags))
		for k := range opts.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(EscapeTag(k))
			b.WriteByte('=')
			b.WriteString(EscapeTag(opts.Tags[k]))
		}
		b.WriteByte(' ')
	}
	if opts.Channel != "" {
		b.WriteString("PRIVMSG ")
		b.WriteString(NormalizeChannel(opts.Channel))
		b.WriteString(" :")
	}
	b.WriteString(text)
	return b.String()
}

// ActionText wraps text in a CTCP ACTION ("/me") envelope.
func ActionText(text string) string {
	return "\x01ACTION " + text + "\x01"
}

// maskSecrets hides the credential in PASS lines for debug logging.
func maskSecrets(line string) string {
	if strings.HasPrefix(line, "PASS ") {
		return "PASS ***"
	}
	return line
}
