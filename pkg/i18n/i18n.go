package i18n

import (
	"strings"
	"sync/atomic"
)

var locale atomic.Value

var translations = map[string]string{
	"Connecting...":                                        "در حال اتصال...",
	"connected":                                            "متصل",
	"connecting":                                           "در حال اتصال",
	"disconnected":                                         "قطع",
	"No therapist assigned to you yet.":                    "هنوز درمانگری برای شما تعیین نشده است.",
	"The user has not given permission to chat with them.": "این کاربر اجازه گفتگو را نداده است.",
	"Could not load messages.":                             "خطا در دریافت پیام ها.",
	"No messages yet.":                                     "هنوز پیامی وجود ندارد.",
	"No patients yet.":                                     "هنوز بیماری ندارید.",
	"Type a message...":                                    "پیام خود را بنویسید...",
	"Patients":                                             "بیماران",
	"not signed in":                                        "وارد حساب کاربری نشده اید",
	"invalid request":                                      "درخواست نامعتبر است",
	"invalid conversation id":                              "شناسه مکالمه نامعتبر است",
	"invalid message id":                                   "شناسه پیام نامعتبر است",
	"conversation not found":                               "مکالمه یافت نشد",
	"message content required":                             "متن پیام الزامی است",
	"failed to fetch patients":                             "خطا در دریافت بیماران",
	"websocket upgrade failed":                             "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":                                   "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                                  "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                                "خطای داخلی سرور",
	"not found":                                            "یافت نشد",
	"email and password are required":                      "ایمیل و رمز عبور الزامی است",
}

var prefixTranslations = map[string]string{
	"failed to sign in:":        "ورود ناموفق بود",
	"failed to fetch messages:": "خطا در دریافت پیام ها",
	"failed to fetch history:":  "خطا در دریافت پیام ها",
	"failed to fetch profile:":  "خطا در دریافت پروفایل",
	"failed to parse token:":    "توکن نامعتبر است",
	"failed to unseal session:": "نشست ذخیره شده قابل خواندن نیست",
}

// SetLocale selects the output language. Only "fa" has translations; any
// other value returns messages unchanged.
func SetLocale(l string) {
	locale.Store(strings.ToLower(strings.TrimSpace(l)))
}

func Translate(message string) string {
	if l, _ := locale.Load().(string); l != "fa" {
		return message
	}
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
