package admin

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"mailbot/pkg/tgui"
)

var (
	ErrBadLink  = errors.New("admin: not a t.me post link")
	ErrBadTime  = errors.New("admin: time must be DD.MM.YYYY HH:MM")
	ErrPastTime = errors.New("admin: time is not in the future")
)

var postLinkRe = regexp.MustCompile(`https?://t\.me/(?P<chat>c/\d+|[^/]+)/(?P<msg>\d+)`)

// PostLink is a parsed https://t.me/<chat>/<id> reference. Private is set
// for t.me/c/<id>/<msg> links.
type PostLink struct {
	Chat      string
	MessageID int
	Private   bool
}

// ParseLink extracts the channel and message id from the first post link
// found in s. Private channel links (t.me/c/<id>/<msg>) yield the bare id.
func ParseLink(s string) (PostLink, error) {
	m := postLinkRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return PostLink{}, ErrBadLink
	}
	chat := m[postLinkRe.SubexpIndex("chat")]
	id, err := strconv.Atoi(m[postLinkRe.SubexpIndex("msg")])
	if err != nil || id <= 0 {
		return PostLink{}, ErrBadLink
	}
	link := PostLink{Chat: chat, MessageID: id}
	if strings.HasPrefix(chat, "c/") {
		link.Chat, link.Private = strings.TrimPrefix(chat, "c/"), true
	}
	return link, nil
}

// Candidates lists the source chat identifiers to try, in order. Numeric
// ids are used as is; usernames are tried with a leading @ first. Private
// channel ids are tried in the -100<id> form first.
func (l PostLink) Candidates() []string {
	if l.Chat == "" {
		return nil
	}
	if l.Private {
		return []string{"-100" + l.Chat, l.Chat}
	}
	if strings.HasPrefix(l.Chat, "-") || isDigits(l.Chat) {
		return []string{l.Chat}
	}
	return []string{"@" + l.Chat, l.Chat}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ScheduleLayout is the DD.MM.YYYY HH:MM input and display format.
const ScheduleLayout = "02.01.2006 15:04"

// ParseScheduleTime reads s in loc and requires it to be strictly after now.
func ParseScheduleTime(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(ScheduleLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, ErrBadTime
	}
	if !t.After(now) {
		return t, ErrPastTime
	}
	return t, nil
}

func isCancelWord(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "отмена", "cancel", "/cancel":
		return true
	}
	return false
}

const (
	previewRunes  = 200
	postTitleLen  = 70
	emptyPostText = "Пост без текста"
)

// PostPreview condenses a channel post's text for storage: trimmed, on one
// line, at most 200 runes. Blank text yields "".
func PostPreview(text string) string {
	text = strings.TrimFunc(text, unicode.IsSpace)
	if text == "" {
		return ""
	}
	return tgui.HeadRunes(tgui.OneLine(text), previewRunes)
}

func postTitle(i int, preview string) string {
	title := tgui.OneLine(preview)
	if strings.TrimSpace(title) == "" {
		title = emptyPostText
	}
	return strconv.Itoa(i) + ". " + tgui.TruncRunes(title, postTitleLen)
}

// postLinkFor rebuilds a t.me link for a captured post.
func postLinkFor(chat string, messageID int) string {
	return "https://t.me/" + strings.TrimPrefix(chat, "@") + "/" + strconv.Itoa(messageID)
}

// sourceChat turns a stored channel id into a copyMessage source: numeric
// ids pass through, bare usernames gain a leading @.
func sourceChat(chat string) string {
	if c := (PostLink{Chat: strings.TrimPrefix(chat, "@")}).Candidates(); len(c) > 0 {
		return c[0]
	}
	return chat
}
