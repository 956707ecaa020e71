package chat

import (
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Message is one parsed inbound IRC line.
type Message struct {
	Raw        string
	Tags       map[string]string // nil when the line carried no tags
	Source     *Source
	Command    Command
	Parameters string // trailing parameter, without the leading ':'
	ReceivedAt time.Time
}

// Source is the optional ":nick!user@host" prefix.
type Source struct {
	Nick string
	Host string
}

// Command is the command part of a line.
type Command struct {
	Command string
	Channel string // first middle parameter, e.g. "#chan" or "*"
	// BotCommand is set for PRIVMSGs whose text starts with '!'.
	BotCommand       string
	BotCommandParams string
}

// MsgID returns the msg-id tag, used to classify NOTICEs.
func (m *Message) MsgID() string {
	if m == nil || m.Tags == nil {
		return ""
	}
	return m.Tags["msg-id"]
}

// Typed converts the line into one of go-twitch-irc's message types
// (*twitch.PrivateMessage, *twitch.NoticeMessage, ...).
func (m *Message) Typed() twitch.Message {
	return twitch.ParseMessage(m.Raw)
}

var tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

// ParseLine parses one IRC line without its CRLF terminator. It returns nil
// for blank lines and lines with no command.
func ParseLine(line string) *Message {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	msg := &Message{Raw: line, ReceivedAt: time.Now()}
	rest := line

	if strings.HasPrefix(rest, "@") {
		var rawTags string
		rawTags, rest, _ = strings.Cut(rest[1:], " ")
		msg.Tags = parseTags(rawTags)
	}
	rest = strings.TrimLeft(rest, " ")

	if strings.HasPrefix(rest, ":") {
		var prefix string
		prefix, rest, _ = strings.Cut(rest[1:], " ")
		msg.Source = parseSource(prefix)
	}
	rest = strings.TrimLeft(rest, " ")

	head, trailing, hasTrailing := strings.Cut(rest, " :")
	if !hasTrailing && strings.HasPrefix(head, ":") {
		trailing, head, hasTrailing = head[1:], "", true
	}
	if hasTrailing {
		msg.Parameters = trailing
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return nil
	}
	msg.Command.Command = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		msg.Command.Channel = fields[1]
		// numerics and CAP carry the target nick first and the channel or sub-command after it
		if (msg.Command.Command == "CAP" || isNumeric(msg.Command.Command)) && len(fields) > 2 {
			msg.Command.Channel = fields[2]
		}
	}

	if msg.Command.Command == "PRIVMSG" && strings.HasPrefix(msg.Parameters, "!") {
		cmd, params, _ := strings.Cut(strings.TrimPrefix(msg.Parameters, "!"), " ")
		msg.Command.BotCommand = cmd
		msg.Command.BotCommandParams = strings.TrimSpace(params)
	}
	return msg
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = tagUnescaper.Replace(v)
	}
	return tags
}

func parseSource(prefix string) *Source {
	if prefix == "" {
		return nil
	}
	nick, host, ok := strings.Cut(prefix, "!")
	if !ok {
		return &Source{Host: prefix}
	}
	if _, h, found := strings.Cut(host, "@"); found {
		host = h
	}
	return &Source{Nick: nick, Host: host}
}

func isNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for _, c := range cmd {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
