package utils

import (
	"embed"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFS embed.FS

// SupportedLanguages lists the locales shipped with the binary
var SupportedLanguages = []language.Tag{language.English, language.Japanese}

var (
	// Bundle is the global translation bundle
	Bundle *i18n.Bundle
	// Localizer is the default localizer
	Localizer *i18n.Localizer

	i18nOnce sync.Once
	i18nErr  error
)

// InitI18n loads the embedded message files. It is safe to call more than once.
func InitI18n() error {
	i18nOnce.Do(func() {
		Bundle = i18n.NewBundle(language.English)
		Bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

		for _, f := range []string{"locales/active.en.toml", "locales/active.ja.toml"} {
			if _, err := Bundle.LoadMessageFileFS(localeFS, f); err != nil {
				i18nErr = err
				return
			}
		}

		Localizer = i18n.NewLocalizer(Bundle, language.English.String())
		Log.Debug("i18n system initialized")
	})
	return i18nErr
}

// MatchLanguage picks the supported language closest to the given
// Accept-Language style preferences, English when nothing matches.
func MatchLanguage(prefs ...string) string {
	matcher := language.NewMatcher(SupportedLanguages)
	tag, _ := language.MatchStrings(matcher, prefs...)
	base, _ := tag.Base()
	return base.String()
}

// GetLocalizer returns a localizer for the specified language
func GetLocalizer(lang string) *i18n.Localizer {
	if err := InitI18n(); err != nil {
		Log.Error("i18n unavailable: %v", err)
	}
	if lang == "" {
		lang = "en"
	}
	return i18n.NewLocalizer(Bundle, lang)
}

// T translates a message ID. Unknown IDs are returned unchanged, so plain
// messages pass through.
func T(localizer *i18n.Localizer, messageID string) string {
	if localizer == nil {
		localizer = GetLocalizer("en")
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID: messageID,
	})
	if err != nil {
		return messageID
	}
	return msg
}
