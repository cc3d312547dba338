package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a new row (buttons) to the inline keyboard.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Len reports the number of rows added so far.
func (i *Inline) Len() int { return len(i.rows) }

// Markup returns underlying reply markup.
func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// URLBtn creates a URL button.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}

// ReplyKeyboard builds a resized reply keyboard. Nil rows are skipped.
func ReplyKeyboard(rows ...[]tele.ReplyButton) *tele.ReplyMarkup {
	kb := make([][]tele.ReplyButton, 0, len(rows))
	for _, r := range rows {
		if len(r) > 0 {
			kb = append(kb, r)
		}
	}
	return &tele.ReplyMarkup{ReplyKeyboard: kb, ResizeKeyboard: true}
}

// TextKey is a plain reply-keyboard button that sends its label as text.
func TextKey(text string) tele.ReplyButton {
	return tele.ReplyButton{Text: text}
}

// WebAppKey opens url as a Telegram Web App.
func WebAppKey(text, url string) tele.ReplyButton {
	return tele.ReplyButton{Text: text, WebApp: &tele.WebApp{URL: url}}
}
