package config

import (
	"reflect"
	"sort"
	"strings"

	"analysisd/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Tokens and DSNs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Computation, newCfg.Computation) {
		c := newCfg.Computation
		changed = append(changed, "computation")
		attrs = append(attrs,
			logx.String("computation.interval", strings.TrimSpace(c.Interval)),
			logx.String("computation.schedule", strings.TrimSpace(c.Schedule)),
			logx.Int("computation.queue_size", c.QueueSize),
		)
	}

	om, nm := oldCfg.Migration, newCfg.Migration
	dsnChanged := om.DSN != nm.DSN
	om.DSN, nm.DSN = "", ""
	if dsnChanged || !reflect.DeepEqual(om, nm) {
		changed = append(changed, "migration")
		attrs = append(attrs,
			logx.String("migration.driver", strings.TrimSpace(nm.Driver)),
			logx.Bool("migration.dsn_changed", dsnChanged),
			logx.Bool("migration.run_on_start", nm.RunOnStart),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}
