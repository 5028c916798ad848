package apperr

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var supported = []language.Tag{language.English, language.Russian}

var matcher = language.NewMatcher(supported)

// Russian translations keyed by error code. English uses the sentinel's Msg.
var russian = map[string]string{
	"unauthenticated":        "требуется авторизация",
	"forbidden":              "недостаточно прав для этого действия",
	"invalid_request":        "некорректное тело запроса",
	"internal_error":         "произошла непредвиденная ошибка",
	"validation_error":       "ошибка валидации",
	"user_not_found":         "пользователь не найден",
	"username_taken":         "имя пользователя уже занято",
	"invalid_role":           "недопустимая роль",
	"session_not_found":      "сессия не найдена",
	"request_not_found":      "заявка не найдена",
	"active_request_exists":  "у вас уже есть активная заявка",
	"already_claimed":        "заявка уже взята другим оператором",
	"invalid_status":         "недопустимый статус",
	"invalid_transition":     "переход из текущего статуса невозможен",
	"invalid_wallet_address": "некорректный адрес кошелька",
	"invalid_amount":         "сумма должна быть больше нуля",
	"concurrent_update":      "заявка была изменена, повторите попытку",
	"receipt_upload_failed":  "не удалось загрузить чек",
	"invalid_receipt":        "некорректный файл чека",
	"dispute_not_found":      "спор не найден",
	"dispute_resolved":       "спор уже закрыт",
	"withdrawal_not_found":   "заявка на вывод не найдена",
	"insufficient_balance":   "недостаточно средств",
	"balance_too_large":      "итоговый баланс слишком велик",
	"price_unavailable":      "курс временно недоступен",
	"unsupported_asset":      "курс для этого актива не поддерживается",
	"rate_limit_exceeded":    "слишком много запросов",
}

var cat = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for code, msg := range russian {
		_ = b.SetString(language.Russian, code, msg)
	}
	return b
}()

// Negotiate picks the response language from an Accept-Language header.
func Negotiate(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}

// Localize renders the message for code in tag, falling back to fallback.
func Localize(tag language.Tag, code, fallback string) string {
	p := message.NewPrinter(tag, message.Catalog(cat))
	return p.Sprintf(message.Key(code, fallback))
}
