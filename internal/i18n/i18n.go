// Package i18n holds the bot's user-facing strings in English and Russian.
// Lookup falls back to English for unknown languages and unknown keys.
package i18n

import (
	"fmt"

	"golang.org/x/text/language"
)

var supported = []language.Tag{
	language.English, // first is the fallback
	language.Russian,
}

var matcher = language.NewMatcher(supported)

// Match normalizes a BCP 47 tag (or a Telegram language_code) to a supported
// language. Unknown and empty input map to English.
func Match(tag string) string {
	if tag == "" {
		return "en"
	}
	t, _ := language.MatchStrings(matcher, tag)
	base, _ := t.Base()
	switch base.String() {
	case "ru":
		return "ru"
	default:
		return "en"
	}
}

// T renders the message key in the given language, formatting args with the
// catalog string as a Sprintf template.
func T(lang, key string, args ...any) string {
	cat, ok := catalogs[lang]
	if !ok {
		cat = catalogs["en"]
	}
	msg, ok := cat[key]
	if !ok {
		msg, ok = catalogs["en"][key]
		if !ok {
			return key
		}
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

var catalogs = map[string]map[string]string{
	"en": {
		"welcome": "Hi! I'm an assistant bot. Send me a message, a photo, a document, or a voice note and I'll do my best to help.\n\nYour balance: $%s. Use /topup to add funds and /help to see what I can do.",
		"help": `What I can do:
• Answer questions and chat (just write me)
• Understand photos, PDFs, voice and video notes
• Run Python code, render formulas, generate images
• Search and read the web

Commands:
/balance — balance and recent spending
/history — balance history
/topup <stars> — top up via Telegram Stars
/refund <charge_id> — refund a payment
/model <name> — switch the model
/prompt <text> — set a custom system prompt (/prompt off to clear)
/language <en|ru> — interface language
/new <title> — start a new topic
/cancel — stop the current generation
/stats — usage statistics`,
		"balance":               "Balance: $%s",
		"balance_low":           "Balance: $%s\n\n⚠️ Your balance is negative. Paid tools are disabled until you top up: /topup",
		"history_header":        "Recent balance operations:",
		"history_empty":         "No balance operations yet.",
		"history_line":          "%s  %s$%s  %s",
		"topup_usage":           "Usage: /topup <stars>, e.g. /topup 100",
		"topup_title":           "Balance top-up",
		"topup_description":     "%d Telegram Stars → about $%s of credit",
		"payment_credited":      "Payment received: $%s credited. Your balance is $%s.",
		"refund_usage":          "Usage: /refund <charge_id>. Find the charge id in /history.",
		"refund_success":        "Refunded. $%s was deducted from your balance.",
		"refund_not_found":      "Payment not found. Check the charge id in /history.",
		"refund_not_refundable": "This payment cannot be refunded.",
		"refund_window":         "The refund window for this payment has expired.",
		"refund_balance":        "Refund unavailable: your balance is below the refundable amount.",
		"model_set":             "Model switched to %s.",
		"model_unknown":         "Unknown model %q. Available: %s",
		"prompt_set":            "Custom prompt saved.",
		"prompt_cleared":        "Custom prompt cleared.",
		"language_set":          "Language switched to English.",
		"language_usage":        "Usage: /language en or /language ru",
		"new_topic":             "New topic: %s",
		"new_topic_usage":       "Usage: /new <title>",
		"cancel_done":           "Generation cancelled.",
		"cancel_none":           "Nothing to cancel.",
		"stats":                 "Usage this month: $%s\nUsage today: $%s\nMessages in this topic: %d",
		"generic_error":         "Something went wrong. Please try again.",
		"busy":                  "I'm still working on your previous messages. This request was queued too long — please resend it in a moment.",
		"cost_cap":              "⚠️ Cost limit for a single request reached, stopping here.",
		"insufficient_balance":  "Your balance ($%s) is too low for this. Top up with /topup.",
		"unsupported_content":   "I can't process this type of content yet.",
		"file_too_large":        "This file is too large (limit %d MB).",
		"admin_only":            "This command is for administrators.",
		"grant_usage":           "Usage: /grant <user_id|@username> <amount>",
		"grant_done":            "Granted $%s to %s. New balance: $%s.",
		"setmargin_usage":       "Usage: /setmargin <rate>, e.g. /setmargin 0.1",
		"setmargin_done":        "Owner margin set to %s.",
	},
	"ru": {
		"welcome": "Привет! Я бот-ассистент. Отправьте мне сообщение, фото, документ или голосовое — постараюсь помочь.\n\nВаш баланс: $%s. /topup — пополнить, /help — что я умею.",
		"help": `Что я умею:
• Отвечать на вопросы и общаться (просто напишите)
• Понимать фото, PDF, голосовые и видеосообщения
• Запускать Python, рендерить формулы, генерировать изображения
• Искать и читать веб-страницы

Команды:
/balance — баланс и последние траты
/history — история баланса
/topup <stars> — пополнение через Telegram Stars
/refund <charge_id> — возврат платежа
/model <name> — сменить модель
/prompt <text> — свой системный промпт (/prompt off — убрать)
/language <en|ru> — язык интерфейса
/new <title> — новая тема
/cancel — остановить текущую генерацию
/stats — статистика использования`,
		"balance":               "Баланс: $%s",
		"balance_low":           "Баланс: $%s\n\n⚠️ Баланс отрицательный. Платные инструменты отключены до пополнения: /topup",
		"history_header":        "Последние операции:",
		"history_empty":         "Операций пока нет.",
		"history_line":          "%s  %s$%s  %s",
		"topup_usage":           "Использование: /topup <stars>, например /topup 100",
		"topup_title":           "Пополнение баланса",
		"topup_description":     "%d Telegram Stars → примерно $%s на счёт",
		"payment_credited":      "Платёж получен: зачислено $%s. Ваш баланс: $%s.",
		"refund_usage":          "Использование: /refund <charge_id>. Charge id можно найти в /history.",
		"refund_success":        "Возврат выполнен. С баланса списано $%s.",
		"refund_not_found":      "Платёж не найден. Проверьте charge id в /history.",
		"refund_not_refundable": "Этот платёж нельзя вернуть.",
		"refund_window":         "Срок возврата этого платежа истёк.",
		"refund_balance":        "Возврат недоступен: на балансе меньше возвращаемой суммы.",
		"model_set":             "Модель переключена на %s.",
		"model_unknown":         "Неизвестная модель %q. Доступны: %s",
		"prompt_set":            "Промпт сохранён.",
		"prompt_cleared":        "Промпт убран.",
		"language_set":          "Язык переключён на русский.",
		"language_usage":        "Использование: /language en или /language ru",
		"new_topic":             "Новая тема: %s",
		"new_topic_usage":       "Использование: /new <title>",
		"cancel_done":           "Генерация остановлена.",
		"cancel_none":           "Нечего останавливать.",
		"stats":                 "Расход за месяц: $%s\nРасход за сегодня: $%s\nСообщений в этой теме: %d",
		"generic_error":         "Что-то пошло не так. Попробуйте ещё раз.",
		"busy":                  "Я ещё обрабатываю ваши предыдущие сообщения. Этот запрос прождал слишком долго — отправьте его ещё раз чуть позже.",
		"cost_cap":              "⚠️ Достигнут лимит стоимости одного запроса, останавливаюсь.",
		"insufficient_balance":  "Баланса ($%s) недостаточно. Пополнить: /topup.",
		"unsupported_content":   "Пока не умею обрабатывать такой тип контента.",
		"file_too_large":        "Файл слишком большой (лимит %d МБ).",
		"admin_only":            "Эта команда только для администраторов.",
		"grant_usage":           "Использование: /grant <user_id|@username> <amount>",
		"grant_done":            "Начислено $%s пользователю %s. Новый баланс: $%s.",
		"setmargin_usage":       "Использование: /setmargin <rate>, например /setmargin 0.1",
		"setmargin_done":        "Маржа владельца установлена: %s.",
	},
}
