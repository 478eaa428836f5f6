package config

import (
	"reflect"
	"strings"

	logx "proposald/pkg/logx"
)

// Sections applied in place on reload. Everything else only takes effect
// after a restart.
var hotSections = map[string]bool{
	"logging": true,
	"digest":  true,
	"control": true,
}

// SummarizeConfigChange returns (1) the changed top-level sections in a fixed
// order, (2) safe structured attrs for logging (secrets are reported as
// *_set booleans only), and (3) the changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		restart []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		mark("server",
			logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)),
			logx.String("server.path", strings.TrimSpace(newCfg.Server.Path)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		mark("session", logx.String("session.reconnect_delay", newCfg.Session.ReconnectDelay))
	}
	if !reflect.DeepEqual(oldCfg.Credential, newCfg.Credential) {
		mark("credential",
			logx.String("credential.source", newCfg.Credential.Source),
			logx.Bool("credential.token_set", strings.TrimSpace(newCfg.Credential.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		mark("ledger", logx.Int("ledger.capacity", newCfg.Ledger.Capacity))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.NativeAlerts, newCfg.NativeAlerts) {
		na := newCfg.NativeAlerts
		if rateOnly(oldCfg.NativeAlerts, na) {
			changed = append(changed, "native_alerts")
			attrs = append(attrs,
				logx.Any("native_alerts.rate_per_sec", na.RatePerSec),
				logx.Int("native_alerts.burst", na.Burst),
			)
		} else {
			mark("native_alerts",
				logx.Bool("native_alerts.enabled", na.Enabled),
				logx.String("native_alerts.surface", na.Surface),
				logx.Bool("native_alerts.telegram_token_set", strings.TrimSpace(na.Telegram.Token) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.InApp, newCfg.InApp) {
		mark("inapp", logx.Bool("inapp.enabled", newCfg.InApp.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Navigation, newCfg.Navigation) {
		mark("navigation", logx.String("navigation.navigator", newCfg.Navigation.Navigator))
	}
	if !reflect.DeepEqual(oldCfg.Digest, newCfg.Digest) {
		mark("digest",
			logx.Bool("digest.enabled", newCfg.Digest.Enabled),
			logx.String("digest.schedule", newCfg.Digest.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Control, newCfg.Control) {
		mark("control",
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", strings.TrimSpace(newCfg.Control.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
			logx.Bool("control.pprof", newCfg.Control.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	return changed, attrs, restart
}

// rateOnly reports whether only the native alert rate limit changed, which
// is applied without a restart.
func rateOnly(a, b NativeAlertsConfig) bool {
	a.RatePerSec, a.Burst = b.RatePerSec, b.Burst
	return reflect.DeepEqual(a, b)
}
