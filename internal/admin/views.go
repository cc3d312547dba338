package admin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailbot/internal/mailing"
	"mailbot/internal/storage"
	"mailbot/pkg/tgui"
)

// Callback scopes and actions. Data is "scope:action[:payload]".
const (
	scopeApp   = "app"
	scopeAdmin = "adm"

	actWebview = "webview"
	actOpen    = "open"

	actByLink     = "link"
	actLinkCancel = "linkcancel"
	actPosts      = "posts"
	actPost       = "post"
	actPostCancel = "postcancel"
	actType       = "type"
	actSend       = "send"
	actSchedule   = "schedule"
	actAbort      = "abort"
	actStats      = "stats"
	actScheduled  = "scheduled"
	actUnschedule = "unsched"
	actClose      = "close"
)

// Reply-keyboard and menu labels that also work as typed commands.
const (
	textPanel     = "Админ-панель"
	textByLink    = "Создать рассылку по ссылке"
	textFromPosts = "Создать рассылку из постов"
	textStats     = "Статистика"
	textScheduled = "Запланированные рассылки"
	textClose     = "Закрыть"
	textCancel    = "Отмена"
	textPlay      = "Играть"
)

const (
	msgNoAccessAlert    = "Нет доступа"
	msgNoMailingRights  = "У вас нет прав для работы с рассылками."
	msgNoManageRights   = "У вас нет прав для управления рассылками."
	msgNoPanelAccess    = "У вас нет доступа к админ-панели."
	msgPanel            = "Админ-панель:"
	msgPanelChoose      = "Админ-панель. Выберите действие:"
	msgPanelClosed      = "Админ-панель закрыта. При необходимости вы всегда можете открыть её снова из меню."
	msgCancelled        = "Действие отменено."
	msgSessionLost      = "Данные рассылки утеряны. Начните заново."
	msgLinkPrompt       = "Отправьте ссылку на пост в формате:\nhttps://t.me/channel_name/123"
	msgLinkCancelled    = "Создание рассылки по ссылке отменено."
	msgLinkNeedText     = "Пожалуйста, отправьте текстовую ссылку на публикацию из канала."
	msgLinkBad          = "Не удалось распознать ссылку. Проверьте, что вы отправили ссылку на публикацию в формате https://t.me/имя_канала/номер."
	msgLinkUnavailable  = "Не удалось получить эту публикацию. Убедитесь, что бот добавлен администратором в нужный канал и ссылка указана без ошибок."
	msgPreviewPickType  = "Превью сообщения выше. Теперь выберите тип рассылки:"
	msgPostsEmptyButton = "Пока нет публикаций, доступных для рассылки.\nЧтобы они появились, добавьте бота администратором в канал и опубликуйте несколько новых постов."
	msgPostsEmptyText   = "Пока нет постов, которые бот успел сохранить.\nТехническое ограничение Telegram: бот видит только те сообщения канала, которые пришли ПОСЛЕ его добавления админом и запуска.\nОпубликуйте несколько новых постов в канале и попробуйте ещё раз."
	msgPostsChoose      = "Выберите пост для рассылки:"
	msgPostsCancelled   = "Выбор поста отменён."
	msgPostBadItem      = "Не удалось распознать выбранный пункт. Попробуйте ещё раз."
	msgPostGone         = "Эта публикация больше недоступна. Выберите другой пост."
	msgPostNoAccess     = "Не удалось получить публикацию из канала. Убедитесь, что у бота достаточно прав."
	msgTypeUnknown      = "Неизвестный тип рассылки."
	msgSendStarted      = "Рассылка запущена"
	msgSendBackground   = "Рассылка отправляется в фоне. Итоговый отчёт придёт позже."
	msgSendUnavailable  = "Сервис рассылок сейчас недоступен. Попробуйте позже."
	msgMailingCancelled = "Рассылка отменена."
	msgTimePrompt       = "Укажите дату и время отправки в формате ДД.ММ.ГГГГ ЧЧ:ММ.\nНапример: 26.12.2025 14:30"
	msgTimeNeedText     = "Пожалуйста, укажите дату и время одним сообщением."
	msgTimeBad          = "Не получилось разобрать дату. Проверьте формат. Пример: 26.12.2025 14:30"
	msgTimePast         = "Время отправки уже прошло. Укажите будущую дату и время."
	msgScheduleFailed   = "Не удалось сохранить рассылку. Попробуйте ещё раз."
	msgScheduledEmpty   = "У вас пока нет запланированных рассылок."
	msgUnschedBadID     = "Не удалось распознать рассылку. Попробуйте обновить список."
	msgUnschedOK        = "Запланированная рассылка отменена."
	msgUnschedConflict  = "Эта рассылка уже не ожидает отправки, отменить её нельзя."
	msgUnschedMissing   = "Рассылка не найдена. Попробуйте обновить список."
	msgStatsFailed      = "Не удалось получить статистику. Попробуйте позже."
	msgListFailed       = "Не удалось получить список. Попробуйте позже."
	msgWebview          = "Нажмите кнопку \"Играть\", чтобы открыть сервис внутри Telegram."
)

func cbData(scope, action, payload string) string { return tgui.Data(scope, action, payload) }

func mainMenu(isAdmin bool) *tgui.Inline {
	kb := tgui.NewInline().Row(tgui.Btn("Открыть сервис", cbData(scopeApp, actWebview, "")))
	if isAdmin {
		kb.Row(tgui.Btn(textPanel, cbData(scopeApp, actOpen, "")))
	}
	return kb
}

func adminMenu() *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.Btn(textByLink, cbData(scopeAdmin, actByLink, ""))).
		Row(tgui.Btn(textFromPosts, cbData(scopeAdmin, actPosts, ""))).
		Row(tgui.Btn(textStats, cbData(scopeAdmin, actStats, ""))).
		Row(tgui.Btn(textScheduled, cbData(scopeAdmin, actScheduled, ""))).
		Row(tgui.Btn(textClose, cbData(scopeAdmin, actClose, "")))
}

func linkCancelKeyboard() *tgui.Inline {
	return tgui.NewInline().Row(tgui.Btn(textCancel, cbData(scopeAdmin, actLinkCancel, "")))
}

func typeKeyboard() *tgui.Inline {
	types := mailing.Types()
	kb := tgui.NewInline()
	for i := 0; i < len(types); i += 2 {
		row := []tele.Btn{tgui.Btn(types[i].Label(), cbData(scopeAdmin, actType, types[i].Code()))}
		if i+1 < len(types) {
			row = append(row, tgui.Btn(types[i+1].Label(), cbData(scopeAdmin, actType, types[i+1].Code())))
		}
		kb.Row(row...)
	}
	return kb
}

func confirmKeyboard() *tgui.Inline {
	return tgui.NewInline().
		Row(
			tgui.Btn("Отправить сейчас", cbData(scopeAdmin, actSend, "")),
			tgui.Btn("Запланировать", cbData(scopeAdmin, actSchedule, "")),
		).
		Row(tgui.Btn(textCancel, cbData(scopeAdmin, actAbort, "")))
}

func postsKeyboard(posts []storage.ChannelPost) *tgui.Inline {
	kb := tgui.NewInline()
	for i, p := range posts {
		kb.Row(tgui.Btn(postTitle(i+1, p.TextPreview), cbData(scopeAdmin, actPost, strconv.FormatInt(p.ID, 10))))
	}
	return kb.Row(tgui.Btn(textCancel, cbData(scopeAdmin, actPostCancel, "")))
}

func webviewKeyboard(siteURL string, isAdmin bool) *tele.ReplyMarkup {
	rows := [][]tele.ReplyButton{{tgui.WebAppKey(textPlay, siteURL)}}
	if isAdmin {
		rows = append(rows, []tele.ReplyButton{tgui.TextKey(textPanel)})
	}
	return tgui.ReplyKeyboard(rows...)
}

func greeting(isAdmin bool) tgui.Message {
	b := tgui.New().Plain().
		Line("Добро пожаловать!").
		Line("Нажмите кнопку ниже, чтобы открыть сервис в удобном формате внутри Telegram.")
	if isAdmin {
		b.Line("Вы отмечены как администратор и можете управлять рассылками и статистикой прямо из бота.")
	}
	return b.Inline(mainMenu(isAdmin)).Build()
}

// Type labels differ slightly between the stats view and the schedule list.
var (
	statsTypeLabels = map[string]string{
		string(mailing.TypeNews):      "Новости",
		string(mailing.TypePromotion): "Акция",
		string(mailing.TypeImportant): "Важное уведомление",
		string(mailing.TypeTest):      "Тестовая рассылка",
	}
	scheduledTypeLabels = map[string]string{
		string(mailing.TypeNews):      "Новости",
		string(mailing.TypePromotion): "Акция",
		string(mailing.TypeImportant): "Важное",
		string(mailing.TypeTest):      "Тестовая",
	}
	statusLabels = map[storage.Status]string{
		storage.StatusPending:    "ожидает отправки",
		storage.StatusProcessing: "в процессе",
		storage.StatusDone:       "отправлена",
		storage.StatusFailed:     "ошибка",
		storage.StatusCancelled:  "отменена",
	}
)

func labelOr(m map[string]string, k string) string {
	if v, ok := m[k]; ok {
		return v
	}
	return k
}

func statsView(st storage.UserStats, recent []storage.Mailing) tgui.Message {
	b := tgui.New().Plain().
		Line("📊 Статистика аудитории:").
		Bullet(fmt.Sprintf("Всего пользователей: %d", st.Total)).
		Bullet(fmt.Sprintf("Новые за 24 часа: %d", st.New24h)).
		Bullet(fmt.Sprintf("Активны за 24 часа: %d", st.Active24h)).
		Bullet(fmt.Sprintf("Активны за 7 дней: %d", st.Active7d)).
		Bullet(fmt.Sprintf("Активны за 30 дней: %d", st.Active30d)).
		Bullet(fmt.Sprintf("Удалили бота: %d", st.Blocked)).
		Blank().
		Line("📨 Последние рассылки:")
	if len(recent) == 0 {
		b.Bullet("Вы ещё не отправляли рассылки.")
	}
	for i, m := range recent {
		b.Line(fmt.Sprintf("%d. %s: доставлено %d из %d, ошибок: %d",
			i+1, labelOr(statsTypeLabels, m.Type), m.DeliveredCount, m.RecipientsCount, m.ErrorCount))
	}
	return b.Build()
}

func scheduledView(rows []storage.ScheduledMailing, loc *time.Location) tgui.Message {
	if len(rows) == 0 {
		return tgui.New().Plain().Line(msgScheduledEmpty).Build()
	}
	b := tgui.New().Plain().Line(fmt.Sprintf("🕒 Запланированные рассылки (последние %d):", len(rows)))
	kb := tgui.NewInline()
	for i, r := range rows {
		status := string(r.Status)
		if l, ok := statusLabels[r.Status]; ok {
			status = l
		}
		b.Line(fmt.Sprintf("%d. ID %d: %s, %s, статус: %s",
			i+1, r.ID, labelOr(scheduledTypeLabels, r.MailingType), r.ScheduledAt.In(loc).Format(ScheduleLayout), status))
		if r.Status == storage.StatusPending {
			kb.Row(tgui.Btn(fmt.Sprintf("Отменить ID %d", r.ID), cbData(scopeAdmin, actUnschedule, strconv.FormatInt(r.ID, 10))))
		}
	}
	if kb.Len() > 0 {
		kb.Row(tgui.Btn(textClose, cbData(scopeAdmin, actClose, "")))
		b.Inline(kb)
	}
	return b.Build()
}

func scheduledConfirmation(id int64, job mailing.Job, at time.Time) string {
	return fmt.Sprintf("Рассылка запланирована на %s.\nID %d, тип: %s, источник: %s",
		at.Format(ScheduleLayout), id, job.Type, job.Source.Link)
}

func typeChosen(t mailing.Type) string {
	return fmt.Sprintf("Вы выбрали тип рассылки: %s. Выберите способ отправки.", t)
}

func plain(text string, kb *tgui.Inline) tgui.Message {
	b := tgui.New().Plain()
	for _, l := range strings.Split(text, "\n") {
		b.RawLine(l)
	}
	if kb != nil {
		b.Inline(kb)
	}
	return b.Build()
}
