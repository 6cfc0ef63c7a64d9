// Package i18n translates protoloc's own CLI messages and errors, never the
// game strings protoloc extracts.
//
// Catalogs are gettext .po files embedded under locales/ and looked up
// through gotext. Message ids are the English format strings passed to the
// log helpers, so a missing catalog or entry prints English:
//
//	logInfo(i18n.T("Merging %d records into %s"), len(records), source)
package i18n

import (
	"embed"
	"os"
	"strings"

	"github.com/leonelquinteros/gotext"
)

// Catalogs live at locales/{lang}/LC_MESSAGES/protoloc.po.
//
//go:embed all:locales
var locales embed.FS

const domain = "protoloc"

// po is nil until Init runs; T and N then return their input.
var po *gotext.Locale

// Init selects the catalog for lang. An empty lang falls back to the
// locale environment. It runs at startup and again when --lang is given.
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}

	po = gotext.NewLocaleFSWithPath(lang, locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
}

// T returns the catalog entry for msgid, or msgid itself.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	return po.Get(msgid)
}

// N picks the plural form for n from the catalog's plural formula.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

// detectLanguage returns the first usable locale from LANGUAGE, LC_ALL,
// LC_MESSAGES and LANG, or "en".
func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if val := os.Getenv(env); val != "" {
			// LANGUAGE is a priority list.
			if env == "LANGUAGE" {
				parts := strings.SplitN(val, ":", 2)
				val = parts[0]
			}
			// zh_CN.UTF-8 has its catalog under zh_CN.
			if idx := strings.IndexByte(val, '.'); idx >= 0 {
				val = val[:idx]
			}
			if val == "C" || val == "POSIX" || val == "" {
				continue
			}
			return val
		}
	}
	return "en"
}
