package main

import (
	"fmt"
	"strings"

	"github.com/gookit/color"

	"go-meet/internal/protocol"
	"go-meet/internal/session"
)

var (
	systemStyle = color.New(color.FgGray, color.OpItalic)
	rosterStyle = color.New(color.FgCyan)
	nameStyle   = color.New(color.FgGreen, color.OpBold)
	replyStyle  = color.New(color.FgGray)
	signalStyle = color.New(color.FgMagenta)
	errorStyle  = color.New(color.FgRed)
)

// renderEntry formats transcript entry i as one or two terminal lines.
func renderEntry(i int, e session.Entry) string {
	switch {
	case e.Kind == session.EntryRoster:
		return rosterStyle.Sprintf("[%d] online: %s", i, strings.Join(e.Roster, ", "))
	case e.Chat.IsSystem():
		return systemStyle.Sprintf("[%d] %s", i, e.Chat.Message)
	}

	var b strings.Builder
	if e.Chat.ReplyTo != nil {
		b.WriteString(replyStyle.Sprintf("    ↪ %s: %s\n", e.Chat.ReplyTo.User, e.Chat.ReplyTo.Message))
	}
	fmt.Fprintf(&b, "[%d] %s: %s", i, nameStyle.Render(e.Chat.User), e.Chat.Message)
	return b.String()
}

func renderSignal(env protocol.Envelope) string {
	return signalStyle.Sprintf("<%s> %s", env.Event, env.Data)
}

func renderError(p *protocol.ErrorPayload) string {
	return errorStyle.Sprintf("server: %s (%s)", p.Message, p.Code)
}
